package discovery

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// THREDDS InvCatalog 1.0 documents, reduced to the elements the indexer
// consumes: the service tree (to find the HTTPServer base path) and the
// nested dataset tree with per-file properties.
type threddsCatalog struct {
	XMLName  xml.Name         `xml:"catalog"`
	Services []threddsService `xml:"service"`
	Dataset  *threddsDataset  `xml:"dataset"`
}

type threddsService struct {
	Name        string           `xml:"name,attr"`
	ServiceType string           `xml:"serviceType,attr"`
	Base        string           `xml:"base,attr"`
	Services    []threddsService `xml:"service"`
}

type threddsDataset struct {
	Name        string            `xml:"name,attr"`
	URLPath     string            `xml:"urlPath,attr"`
	ServiceName string            `xml:"serviceName"`
	Properties  []threddsProperty `xml:"property"`
	Variables   []threddsVariable `xml:"variables>variable"`
	Datasets    []threddsDataset  `xml:"dataset"`
}

type threddsProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type threddsVariable struct {
	Name string `xml:"name,attr"`
}

func (d *threddsDataset) properties() map[string]string {
	props := make(map[string]string, len(d.Properties))
	for _, p := range d.Properties {
		props[p.Name] = p.Value
	}
	return props
}

func parseCatalog(data []byte) (*threddsCatalog, error) {
	var cat threddsCatalog
	if err := xml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse THREDDS catalog: %w", err)
	}
	if cat.Dataset == nil {
		return nil, fmt.Errorf("THREDDS catalog has no dataset element")
	}
	return &cat, nil
}

func isHTTPServer(s threddsService) bool {
	return s.Name == "HTTPServer" || s.ServiceType == "HTTPServer"
}

// httpServer locates the HTTPServer service: preferably nested under the
// file service, otherwise anywhere in the service tree.
func (c *threddsCatalog) httpServer() (threddsService, error) {
	for _, s := range c.Services {
		if s.Name == "fileservice" || s.Name == "fileService" {
			for _, child := range s.Services {
				if isHTTPServer(child) {
					return child, nil
				}
			}
		}
	}

	var walk func([]threddsService) (threddsService, bool)
	walk = func(services []threddsService) (threddsService, bool) {
		for _, s := range services {
			if isHTTPServer(s) {
				return s, true
			}
			if found, ok := walk(s.Services); ok {
				return found, true
			}
		}
		return threddsService{}, false
	}
	if s, ok := walk(c.Services); ok {
		return s, nil
	}
	return threddsService{}, fmt.Errorf("no HTTPServer service in catalog")
}

// fileEntries returns the file-level datasets served over the given
// service, optionally filtered to the wanted variables.
func (c *threddsCatalog) fileEntries(serviceName string, variables []string) []threddsDataset {
	wanted := make(map[string]bool, len(variables))
	for _, v := range variables {
		wanted[v] = true
	}

	var files []threddsDataset
	for _, ds := range c.Dataset.Datasets {
		if ds.ServiceName != serviceName {
			continue
		}
		if len(wanted) > 0 && !hasWantedVariable(ds.Variables, wanted) {
			continue
		}
		files = append(files, ds)
	}
	return files
}

func hasWantedVariable(vars []threddsVariable, wanted map[string]bool) bool {
	for _, v := range vars {
		if wanted[v.Name] {
			return true
		}
	}
	return false
}

// versionFromModTime turns a THREDDS mod_time property into the
// date-coded version directory name CMIP5 trees use.
func versionFromModTime(modTime string) (string, error) {
	t, err := time.Parse("2006-01-02 15:04:05", modTime)
	if err != nil {
		return "", fmt.Errorf("failed to parse mod_time %q: %w", modTime, err)
	}
	return t.Format("v20060102"), nil
}

// cleanModelFromFilename extracts the model as spelled in the filename,
// the third underscore-separated component of CMIP5 file names.
func cleanModelFromFilename(filename string) (string, error) {
	parts := strings.Split(filename, "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("filename %q does not follow the CMIP5 naming convention", filename)
	}
	return parts[2], nil
}
