package closure

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Keywords drives the keyword component of the score. Exact entries match
// the whole message or a standalone word; phrases match anywhere.
type Keywords struct {
	Exact   []string `yaml:"exact"`
	Phrases []string `yaml:"phrases"`
}

// DefaultKeywords covers English and Portuguese closings.
func DefaultKeywords() Keywords {
	return Keywords{
		Exact: []string{
			"bye", "goodbye", "thanks", "thank you", "thx", "ty", "cheers", "done", "solved",
			"tchau", "obrigado", "obrigada", "valeu", "ate mais", "resolvido",
		},
		Phrases: []string{
			"thats all", "that is all", "no more questions", "all good now", "have a nice day",
			"see you", "talk later", "problem solved", "you can close",
			"so isso", "era so isso", "pode encerrar", "muito obrigado", "muito obrigada", "ate logo",
		},
	}
}

// LoadKeywords reads a YAML keyword file. Lists left empty in the file keep
// their defaults.
func LoadKeywords(path string) (Keywords, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Keywords{}, fmt.Errorf("closure: read keywords: %w", err)
	}

	var k Keywords
	if err := yaml.Unmarshal(raw, &k); err != nil {
		return Keywords{}, fmt.Errorf("closure: parse keywords %s: %w", path, err)
	}

	def := DefaultKeywords()
	if len(k.Exact) == 0 {
		k.Exact = def.Exact
	}
	if len(k.Phrases) == 0 {
		k.Phrases = def.Phrases
	}
	return k, nil
}
