package zynq

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/c360/labctrl/cmdlist"
	"github.com/c360/labctrl/tree"
)

// SeqStart is the reply of a started sequence: its id and the two flags
// the device returns with it.
type SeqStart struct {
	ID    SeqID
	Flags [2]bool
}

// MarshalJSON encodes the reply as [id, [flag1, flag2]]
func (s SeqStart) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.ID, s.Flags})
}

type waitParams struct {
	ID   SeqID   `json:"id"`
	Type float64 `json:"type"`
}

// CallMethod implements source.Source.
func (d *Driver) CallMethod(ctx context.Context, name string, params json.RawMessage) (any, error) {
	_, client := d.link()
	switch name {
	case "get_startup":
		return client.GetStartup(ctx)

	case "set_startup":
		ok, perr, err := client.SetStartup(ctx, textParam(params))
		if err != nil {
			return nil, err
		}
		if perr != nil {
			return perr, nil
		}
		return ok, nil

	case "reset_dds":
		return d.resetDDS(ctx, client, params)

	case "run_cmdlist":
		return d.runCmdlist(ctx, client, textParam(params))

	case "wait_seq":
		var p waitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nil
		}
		typ := int8(p.Type)
		if typ != WaitStart && typ != WaitFinish {
			return nil, nil
		}
		return client.WaitSeq(ctx, p.ID, typ)

	case "cancel_seq":
		var id *SeqID
		if n, err := tree.Decode(params); err == nil && n != nil {
			if _, null := n.(tree.Tombstone); !null {
				id = new(SeqID)
				if err := json.Unmarshal(params, id); err != nil {
					return false, nil
				}
			}
		}
		return client.CancelSeq(ctx, id)
	}
	return nil, nil
}

// textParam reads a JSON string; other values are used as their JSON text.
func textParam(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(params, &s); err == nil {
		return s
	}
	return string(params)
}

func (d *Driver) resetDDS(ctx context.Context, client *Client, params json.RawMessage) (any, error) {
	n, err := tree.Decode(params)
	if err != nil {
		return false, nil
	}
	f, ok := number(n)
	if !ok || f < 0 || f >= NumDDS {
		return false, nil
	}
	chn := int(f)
	done, err := client.ResetDDS(ctx, uint8(chn))
	if err != nil {
		return nil, err
	}
	if !done {
		return false, nil
	}

	cur, _ := d.Values()["dds"].(tree.Branch)
	updates := make(tree.Branch)
	for _, kind := range ddsKindNames {
		name := fmt.Sprintf("%s%d", kind, chn)
		if _, known := cur[name]; known {
			updates[name] = leaf(0.0)
		}
		updates["ovr_"+name] = leaf(false)
	}
	d.UpdateValues(tree.Branch{"dds": updates})
	return true, nil
}

func (d *Driver) runCmdlist(ctx context.Context, client *Client, text string) (any, error) {
	if d.compiler == nil {
		d.logger.Warn("No sequence compiler configured")
		return false, nil
	}
	program, err := d.compiler.Compile(ctx, text)
	if err != nil {
		var perr *cmdlist.ParseError
		if stderrors.As(err, &perr) {
			return perr, nil
		}
		d.logger.Error("Sequence compilation failed", "error", err)
		return false, nil
	}

	id, flags, ok, err := client.RunCmdlist(ctx, program)
	if err != nil {
		return nil, err
	}
	if !ok {
		return false, nil
	}

	// Report the sequence before the next heartbeat does, unless the
	// state id is unknown or already flags a running sequence.
	d.mu.Lock()
	started := d.stateID.Counter > 0
	if started {
		d.running = true
	}
	d.mu.Unlock()
	if started {
		d.UpdateValues(tree.Branch{"running": leaf(true)})
	}
	return SeqStart{ID: id, Flags: flags}, nil
}
