package config

// ProcessorConfig defines one named processor: an ordered list of
// matcher/mailet steps.
//
//	[[processor]]
//	name = "root"
//
//	  [[processor.mailet]]
//	  match = "RecipientIs=postmaster@example.com"
//	  class = "ToProcessor"
//	  params = { processor = "postmaster" }
type ProcessorConfig struct {
	Name    string         `toml:"name"`
	Mailets []MailetConfig `toml:"mailet"`
}

// MailetConfig is a single step of a processor.
type MailetConfig struct {
	Match  string            `toml:"match"`  // Matcher spec: "Name", "Name=condition" or "!Name=condition" (default: "All")
	Class  string            `toml:"class"`  // Registered mailet name
	Params map[string]string `toml:"params"` // Mailet-specific parameters
}

// GetMatch returns the matcher spec with default
func (m *MailetConfig) GetMatch() string {
	if m.Match == "" {
		return "All"
	}
	return m.Match
}

// Processor returns the processor definition with the given name.
func (c *Config) Processor(name string) (ProcessorConfig, bool) {
	for _, p := range c.Processors {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessorConfig{}, false
}
