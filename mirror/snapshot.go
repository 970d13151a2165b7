package mirror

import (
	"encoding/json"

	"github.com/c360/labctrl/tree"
)

// Snapshot is one source's entry in a get reply or an update push
type Snapshot struct {
	Age    uint64    `json:"age"`
	Values tree.Node `json:"values"`
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Age    uint64          `json:"age"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Age = raw.Age
	s.Values = nil
	if len(raw.Values) == 0 {
		return nil
	}
	values, err := tree.Decode(raw.Values)
	if err != nil {
		return err
	}
	if _, ok := values.(tree.Tombstone); ok {
		values = nil
	}
	s.Values = values
	return nil
}
