// Package openapi embeds the console API description.
package openapi

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"sigs.k8s.io/yaml"
)

//go:embed openapi.yaml
var document []byte

// JSON returns the document as JSON. A non-empty serverURL replaces the
// servers list so generated clients target the console that served it.
func JSON(serverURL string) ([]byte, error) {
	doc, err := withServer(serverURL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// YAML returns the document as YAML, with the same server handling as JSON.
func YAML(serverURL string) ([]byte, error) {
	if serverURL == "" {
		return document, nil
	}
	doc, err := withServer(serverURL)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func withServer(serverURL string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("decode openapi document: %w", err)
	}
	if serverURL != "" {
		doc["servers"] = []map[string]string{{"url": serverURL}}
	}
	return doc, nil
}
