// Command genschema writes the JSON schema of nfcond.toml.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/bolasblack/nfcond/internal/config"
)

func main() {
	r := jsonschema.Reflector{
		FieldNameTag:               "toml",
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  false,
	}

	schema := r.Reflect(&config.Config{})
	schema.Title = "nfcond Configuration"
	schema.Description = "Configuration schema for nfcond.toml: control node ownership, API listener, namespaces and rules"
	schema.ID = ""

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 || os.Args[1] == "-" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(os.Args[1], append(data, '\n'), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
		os.Exit(1)
	}
}
