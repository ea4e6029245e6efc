package fixture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the security setup and documents written into a fixture
type Definition struct {
	User        UserSpec   `yaml:"user"`
	Role        RoleSpec   `yaml:"role"`
	Documents   []Document `yaml:"documents"`
	HealthIndex string     `yaml:"health_index"`
}

// UserSpec is a native realm user
type UserSpec struct {
	Name     string   `yaml:"name"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// RoleSpec is a role with field and document level restrictions
type RoleSpec struct {
	Name    string             `yaml:"name"`
	Cluster []string           `yaml:"cluster"`
	Indices []IndexPermissions `yaml:"indices"`
	RunAs   []string           `yaml:"run_as"`
}

// IndexPermissions grants privileges on some indices, limited to Fields and
// to the documents matching Query.
type IndexPermissions struct {
	Names      []string `yaml:"names" json:"names"`
	Privileges []string `yaml:"privileges" json:"privileges"`
	Fields     []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Query      string   `yaml:"query,omitempty" json:"query,omitempty"`
}

// Document is one document to index
type Document struct {
	Index string                 `yaml:"index"`
	Type  string                 `yaml:"type"`
	Body  map[string]interface{} `yaml:"body"`
}

const (
	TestUser  = "bwc_test_user"
	TestRole  = "bwc_test_role"
	OtherUser = "other_user"
	DocType   = "doc"
)

// Default is the fixture the backward compatibility tests expect: the test
// user sees title and body of "foo" documents in index1 and index2 and
// nothing of index3.
func Default() *Definition {
	const (
		visible  = "bwc_test_user should be able to see this field"
		redacted = "bwc_test_user should not be able to see this field"
		hidden   = "bwc_test_user should not be able to see this document"
	)
	full := func(index string) Document {
		return Document{Index: index, Type: DocType, Body: map[string]interface{}{
			"title":        "foo",
			"body":         visible,
			"secured_body": redacted,
		}}
	}
	titleOnly := func(index, title string) Document {
		return Document{Index: index, Type: DocType, Body: map[string]interface{}{"title": title}}
	}

	return &Definition{
		User: UserSpec{
			Name:     TestUser,
			Password: "9876543210",
			Roles:    []string{TestRole},
		},
		Role: RoleSpec{
			Name:    TestRole,
			Cluster: []string{"all"},
			Indices: []IndexPermissions{{
				Names:      []string{"index1", "index2"},
				Privileges: []string{"all"},
				Fields:     []string{"title", "body"},
				Query:      `{"match": {"title": "foo"}}`,
			}},
			RunAs: []string{OtherUser},
		},
		Documents: []Document{
			full("index1"),
			titleOnly("index1", hidden),
			full("index2"),
			titleOnly("index2", hidden),
			titleOnly("index3", "bwc_test_user should not see this index"),
		},
		HealthIndex: ".security",
	}
}

// Load reads a definition from a YAML file
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse fixture definition %s: %w", path, err)
	}
	if def.HealthIndex == "" {
		def.HealthIndex = Default().HealthIndex
	}
	for i := range def.Documents {
		if def.Documents[i].Type == "" {
			def.Documents[i].Type = DocType
		}
	}
	return &def, def.Validate()
}

// Validate checks the definition can be sent as is
func (d *Definition) Validate() error {
	if d.User.Name == "" || d.User.Password == "" {
		return fmt.Errorf("fixture user needs a name and a password")
	}
	if d.Role.Name == "" {
		return fmt.Errorf("fixture role needs a name")
	}
	for i, doc := range d.Documents {
		if doc.Index == "" {
			return fmt.Errorf("document %d has no index", i)
		}
	}
	return nil
}

type roleBody struct {
	Cluster []string           `json:"cluster"`
	Indices []IndexPermissions `json:"indices"`
	RunAs   []string           `json:"run_as,omitempty"`
}

// RoleBody encodes the role request. When sorted is set every object key is
// emitted in lexical order: 2.x servers mis-parse role bodies whose index
// permission keys come in another order (x-plugins#2606).
func RoleBody(role RoleSpec, sorted bool) ([]byte, error) {
	body := roleBody{Cluster: role.Cluster, Indices: role.Indices, RunAs: role.RunAs}
	data, err := json.Marshal(body)
	if err != nil || !sorted {
		return data, err
	}

	// maps are encoded with sorted keys
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
