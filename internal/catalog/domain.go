// Package catalog serves the read-only option feeds used to compose billing requests.
package catalog

import "errors"

// ErrValidation is returned for malformed filters.
var ErrValidation = errors.New("catalog: validation failed")

type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Contractor struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TypeName string `json:"type_name,omitempty"`
}

type Plot struct {
	ID             int64  `json:"id"`
	ProjectID      int64  `json:"project_id"`
	Name           string `json:"name"`
	HouseModelName string `json:"house_model_name,omitempty"`
}

// Options bundles the dropdown feeds shown when a request is started.
type Options struct {
	Projects    []Project    `json:"projects"`
	Contractors []Contractor `json:"contractors"`
}
