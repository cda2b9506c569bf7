package job

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeParameters decodes the value stored under key in j.Parameters into
// out. A missing key leaves out untouched.
//
// Decoding is weakly typed so YAML scalars written by hand ("30", "true")
// still land in typed fields.
func DecodeParameters(j *Job, key string, out any) error {
	if j == nil || j.Parameters == nil {
		return nil
	}
	raw, ok := j.Parameters[key]
	if !ok || raw == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("build parameter decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode parameters.%s: %w", key, err)
	}
	return nil
}
