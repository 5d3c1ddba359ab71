package rules

import "fmt"

// Validate performs the static checks a rules document must pass before
// it is accepted by a gateway: well-formed operators and non-empty bucket
// identity. Per-delta type mismatches (filter vs. column type) are not
// caught here — evaluation detects them and treats the offending delta as
// non-matching; the filtering functions do not report them as an error.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Buckets))
	for _, b := range c.Buckets {
		if b.Name == "" {
			return fmt.Errorf("rules: bucket name is required")
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("rules: duplicate bucket %q", b.Name)
		}
		seen[b.Name] = struct{}{}

		if len(b.Tables) == 0 {
			return fmt.Errorf("rules: bucket %q must name at least one table", b.Name)
		}
		for _, f := range b.Filters {
			if f.Column == "" {
				return fmt.Errorf("rules: bucket %q has a filter with no column", b.Name)
			}
			if !f.Op.valid() {
				return fmt.Errorf("rules: bucket %q: invalid operator %q", b.Name, f.Op)
			}
		}
	}
	return nil
}
