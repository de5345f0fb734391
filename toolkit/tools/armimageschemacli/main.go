// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	app := kingpin.New("armimageschemacli", "Generates the JSON schema of the armimageinstaller config file.")
	outputFile := app.Flag("output", "Path to the output JSON schema file. Defaults to stdout.").Short('o').String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	schemaJSON, err := generateJSONSchema()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if *outputFile == "" {
		fmt.Println(string(schemaJSON))
		return
	}

	err = os.WriteFile(*outputFile, schemaJSON, 0o644)
	if err != nil {
		log.Fatalf("failed to write schema to file: %v", err)
	}

	fmt.Fprintf(os.Stderr, "JSON schema has been written to %s\n", *outputFile)
}

func generateJSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
	}

	schema := reflector.Reflect(&armimageapi.Config{})
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	return schemaJSON, nil
}
