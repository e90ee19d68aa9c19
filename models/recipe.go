package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Recipe is the flat JSON blob on a process definition. The four known keys are
// typed; anything else the authoring UI stores is kept and written back as-is.
type Recipe struct {
	InputProductId   *int             `json:"inputProductId,omitempty"`
	OutputProductId  *int             `json:"outputProductId,omitempty"`
	OutputProductIds []int            `json:"outputProductIds,omitempty"`
	Piecework        *PieceworkConfig `json:"piecework,omitempty"`

	extra map[string]json.RawMessage
}

type PieceworkConfig struct {
	Enabled bool  `json:"enabled"`
	Rate    int64 `json:"rate"`

	extra map[string]json.RawMessage
}

var recipeKeys = []string{"inputProductId", "outputProductId", "outputProductIds", "piecework"}
var pieceworkKeys = []string{"enabled", "rate"}

// PrimaryOutputProductId is where a legacy single-number yield is credited:
// outputProductId, else the first outputProductIds entry, else 0.
func (r Recipe) PrimaryOutputProductId() int {
	if r.OutputProductId != nil && *r.OutputProductId > 0 {
		return *r.OutputProductId
	}
	for _, id := range r.OutputProductIds {
		if id > 0 {
			return id
		}
	}
	return 0
}

func (r Recipe) InputProduct() (int, bool) {
	if r.InputProductId == nil || *r.InputProductId <= 0 {
		return 0, false
	}
	return *r.InputProductId, true
}

// PieceRate returns the configured rate when piecework is enabled with a positive rate.
func (r Recipe) PieceRate() (int64, bool) {
	if r.Piecework == nil || !r.Piecework.Enabled || r.Piecework.Rate <= 0 {
		return 0, false
	}
	return r.Piecework.Rate, true
}

func (r Recipe) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if r.InputProductId != nil {
		known["inputProductId"] = *r.InputProductId
	}
	if r.OutputProductId != nil {
		known["outputProductId"] = *r.OutputProductId
	}
	if r.OutputProductIds != nil {
		known["outputProductIds"] = r.OutputProductIds
	}
	if r.Piecework != nil {
		known["piecework"] = r.Piecework
	}
	return marshalWithExtra(known, r.extra)
}

func (r *Recipe) UnmarshalJSON(data []byte) error {
	type plain Recipe
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraKeys(data, recipeKeys)
	if err != nil {
		return err
	}
	*r = Recipe(p)
	r.extra = extra
	return nil
}

func (p PieceworkConfig) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(map[string]any{"enabled": p.Enabled, "rate": p.Rate}, p.extra)
}

func (p *PieceworkConfig) UnmarshalJSON(data []byte) error {
	type plain PieceworkConfig
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	extra, err := extraKeys(data, pieceworkKeys)
	if err != nil {
		return err
	}
	*p = PieceworkConfig(v)
	p.extra = extra
	return nil
}

// Value implements the driver.Valuer interface
func (r Recipe) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (r *Recipe) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*r = Recipe{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot convert %T to Recipe", value)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		*r = Recipe{}
		return nil
	}
	return json.Unmarshal(raw, r)
}

func extraKeys(data []byte, known []string) (map[string]json.RawMessage, error) {
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, errNotJSONObject
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func marshalWithExtra(known map[string]any, extra map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return json.Marshal(out)
}
