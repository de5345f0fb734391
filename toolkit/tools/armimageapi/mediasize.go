// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"encoding/json"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// MediaSize is a byte count written in human form, e.g. "16GB" or "512MB".
type MediaSize datasize.ByteSize

func (s MediaSize) Bytes() uint64 {
	return uint64(s)
}

func (s MediaSize) String() string {
	return datasize.ByteSize(s).HumanReadable()
}

func (s *MediaSize) UnmarshalYAML(value *yaml.Node) error {
	var stringValue string
	err := value.Decode(&stringValue)
	if err != nil {
		return fmt.Errorf("failed to parse media size:\n%w", err)
	}

	return s.Set(stringValue)
}

func (s MediaSize) MarshalYAML() (interface{}, error) {
	return datasize.ByteSize(s).String(), nil
}

func (s MediaSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(datasize.ByteSize(s).String())
}

func (s *MediaSize) UnmarshalJSON(data []byte) error {
	var stringValue string
	err := json.Unmarshal(data, &stringValue)
	if err != nil {
		return fmt.Errorf("failed to parse media size:\n%w", err)
	}

	return s.Set(stringValue)
}

// Set parses a size string. It lets MediaSize be used as a command line flag value.
func (s *MediaSize) Set(value string) error {
	size, err := datasize.ParseString(value)
	if err != nil {
		return fmt.Errorf("invalid media size (%s):\nexpected format: <NUM>(B|KB|MB|GB|TB) (e.g. 512MB, 16GB)", value)
	}

	*s = MediaSize(size)
	return nil
}

func (MediaSize) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: `^\d+(\.\d+)?\s*([KMGTPE]i?B?|B)?$`,
	}
}
