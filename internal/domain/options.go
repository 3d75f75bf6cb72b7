package domain

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Option keys understood by the tool.
const (
	OptionFast    = "fast"
	OptionSimilar = "similar"
)

// DefaultSimilar is the number of similar molecules requested when the
// submitter does not say otherwise.
const DefaultSimilar = 20

// TaskOptions are the tool settings supplied at submission time. Known keys
// are typed; anything else is carried verbatim in Extra so newer clients can
// talk to older servers.
type TaskOptions struct {
	Fast    bool              `json:"fast"`
	Similar int               `json:"similar"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() TaskOptions {
	return TaskOptions{Similar: DefaultSimilar}
}

// Validate checks the typed fields.
func (o TaskOptions) Validate() error {
	if o.Similar < 0 {
		return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalidInput, OptionSimilar, o.Similar)
	}
	return nil
}

// ParseOptions builds TaskOptions from query parameters. Keys listed in skip
// (such as "id") are ignored; unknown keys land in Extra.
func ParseOptions(values url.Values, skip ...string) (TaskOptions, error) {
	opts := DefaultOptions()
	skipped := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipped[k] = true
	}

	for key, vals := range values {
		if skipped[key] || len(vals) == 0 {
			continue
		}
		raw := strings.TrimSpace(vals[len(vals)-1])
		switch key {
		case OptionFast:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return TaskOptions{}, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidInput, key, raw)
			}
			opts.Fast = b
		case OptionSimilar:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return TaskOptions{}, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidInput, key, raw)
			}
			opts.Similar = n
		default:
			if opts.Extra == nil {
				opts.Extra = make(map[string]string)
			}
			opts.Extra[key] = raw
		}
	}

	if err := opts.Validate(); err != nil {
		return TaskOptions{}, err
	}
	return opts, nil
}

// Values renders the options as query parameters, the inverse of ParseOptions.
func (o TaskOptions) Values() url.Values {
	v := url.Values{}
	for key, val := range o.Extra {
		v.Set(key, val)
	}
	v.Set(OptionFast, strconv.FormatBool(o.Fast))
	v.Set(OptionSimilar, strconv.Itoa(o.Similar))
	return v
}

// ExtraKeys returns the unrecognized keys in sorted order.
func (o TaskOptions) ExtraKeys() []string {
	keys := make([]string, 0, len(o.Extra))
	for k := range o.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
