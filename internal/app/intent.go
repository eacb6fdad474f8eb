package app

import (
	"os"

	"github.com/BurntSushi/toml"

	engram "github.com/nevindra/engram"
)

// loadIntentExamples reads a TOML dataset of category -> example phrases
// that replaces the classifier's built-in examples:
//
//	greeting = ["hi", "hello there"]
//	knowledge_query = ["what is a neuron"]
func loadIntentExamples(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &engram.ErrConfig{Field: "intent.examples_path", Message: err.Error()}
	}
	var examples map[string][]string
	if err := toml.Unmarshal(data, &examples); err != nil {
		return nil, &engram.ErrConfig{Field: "intent.examples_path", Message: err.Error()}
	}
	if len(examples) == 0 {
		return nil, &engram.ErrConfig{Field: "intent.examples_path", Message: "dataset has no categories"}
	}
	return examples, nil
}
