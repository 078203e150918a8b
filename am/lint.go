package am

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/slate/errors"
)

// LintReport lists problems found in one config file.
type LintReport struct {
	Path string
	// Unknown keys are present in the file but match no setting.
	Unknown []string
	// Invalid is the validation error, if any.
	Invalid error
}

// OK reports whether the file has no problems.
func (r *LintReport) OK() bool {
	return len(r.Unknown) == 0 && r.Invalid == nil
}

// Lint strictly decodes a single config file. Viper silently ignores keys it
// does not know, so typos like retention_hour would otherwise go unnoticed.
func Lint(path string) (*LintReport, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	report := &LintReport{Path: path}
	for _, key := range md.Undecoded() {
		report.Unknown = append(report.Unknown, key.String())
	}
	sort.Strings(report.Unknown)
	report.Invalid = cfg.Validate()
	return report, nil
}
