package llamarelay

import _ "embed"

// ExampleConfig is the annotated sample configuration written by `llama-relay-server init`.
//
//go:embed config.example.yaml
var ExampleConfig []byte
