package dispatcher

import (
	"encoding/json"
	"math"

	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/tree"
)

// PathRequest is the per-source body of get, watch and unwatch requests.
// On the wire it is either {"age": n, "path": p} or the bare path p.
type PathRequest struct {
	Age  *uint64
	Path tree.Node
}

// MarshalJSON implements json.Marshaler
func (r PathRequest) MarshalJSON() ([]byte, error) {
	out := struct {
		Age  *uint64   `json:"age,omitempty"`
		Path tree.Node `json:"path"`
	}{r.Age, r.Path}
	if out.Path == nil {
		out.Path = tree.Leaf{Value: true}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *PathRequest) UnmarshalJSON(data []byte) error {
	n, err := tree.Decode(data)
	if err != nil {
		return err
	}
	*r = PathRequest{Path: n}

	b, ok := n.(tree.Branch)
	if !ok {
		if _, isTomb := n.(tree.Tombstone); isTomb {
			r.Path = nil
		}
		return nil
	}
	path, hasPath := b["path"]
	if !hasPath || len(b) > 2 {
		return nil
	}
	ageNode, hasAge := b["age"]
	if len(b) == 2 && !hasAge {
		return nil
	}

	r.Path = path
	if _, isTomb := path.(tree.Tombstone); isTomb {
		r.Path = nil
	}
	if leaf, ok := ageNode.(tree.Leaf); ok {
		if f, ok := leaf.Value.(float64); ok && f >= 0 && f <= math.MaxUint64 {
			a := uint64(f)
			r.Age = &a
		}
	}
	return nil
}

func (r PathRequest) getRequest() source.GetRequest {
	return source.GetRequest{Age: r.Age, Path: r.Path}
}

func (r PathRequest) watchRequest() source.WatchRequest {
	return source.WatchRequest{Age: r.Age, Path: r.Path}
}

// Update is one source's entry in an update push
type Update struct {
	Age    uint64    `json:"age"`
	Values tree.Node `json:"values"`
}

// Signal is the payload of a signal push
type Signal struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params any    `json:"params"`
}
