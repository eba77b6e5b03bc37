// Package batch turns rule instruction trees into one relay command per target device.
//
// Rule scripts nest relay_action instructions inside if/while/switch blocks. Build
// flattens the tree, validates each relay_action on its own, and merges the valid ones
// by (partition, target device). A relay index that appears twice in a group keeps its
// first slot and takes the values of its last occurrence.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/parse"
)

// TypeRelayAction is the only instruction type that produces relay operations.
const TypeRelayAction = "relay_action"

const (
	targetMaster = "master"
	targetSlave  = "slave"
)

// Instruction is one node of a rule script.
type Instruction struct {
	Type            string          `json:"type"`
	Target          string          `json:"target,omitempty"`
	SlaveMAC        string          `json:"slave_mac,omitempty"`
	SlaveDeviceID   string          `json:"slave_device_id,omitempty"`
	RelayNumber     *int            `json:"relay_number,omitempty"`
	Action          string          `json:"action,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Condition       json.RawMessage `json:"condition,omitempty"`
	Body            []Instruction   `json:"body,omitempty"`
	Then            []Instruction   `json:"then,omitempty"`
	Else            []Instruction   `json:"else,omitempty"`
}

// Origin is the hub a rule runs on.
type Origin struct {
	DeviceID string
	Address  string
}

// Tuple is a single validated relay operation.
type Tuple struct {
	Partition      model.Partition
	TargetDeviceID string
	TargetAddress  string
	Index          int
	Action         string
	Duration       int
}

// TupleError rejects one relay_action without affecting the others.
type TupleError struct {
	Position    int         `json:"position"` // index in the flattened relay_action list
	Instruction Instruction `json:"instruction"`
	Reason      string      `json:"reason"`
}

func (e TupleError) Error() string {
	return fmt.Sprintf("relay_action #%d: %s", e.Position, e.Reason)
}

// Group is the payload of one command: parallel arrays for a single target device.
type Group struct {
	Partition      model.Partition
	TargetDeviceID string
	TargetAddress  string
	Targets        []int
	Actions        []string
	Durations      []int
}

// Plan is the outcome of batching a rule script.
type Plan struct {
	Groups   []Group
	Rejected []TupleError
}

// Build flattens, validates and groups the instructions of one rule run.
func Build(origin Origin, instructions []Instruction) Plan {
	tuples, rejected := ToTuples(origin, Flatten(instructions))
	return Plan{Groups: GroupTuples(tuples), Rejected: rejected}
}

// Flatten walks the tree depth first (node, then body, then, else) and keeps only
// relay_action nodes.
func Flatten(instructions []Instruction) []Instruction {
	var out []Instruction
	var walk func(in Instruction)
	walk = func(in Instruction) {
		if in.Type == TypeRelayAction {
			leaf := in
			leaf.Body, leaf.Then, leaf.Else = nil, nil, nil
			out = append(out, leaf)
		}
		for _, child := range in.Body {
			walk(child)
		}
		for _, child := range in.Then {
			walk(child)
		}
		for _, child := range in.Else {
			walk(child)
		}
	}
	for _, in := range instructions {
		walk(in)
	}
	return out
}

// ToTuples validates every relay_action. Invalid ones are returned as TupleErrors and
// skipped.
func ToTuples(origin Origin, leaves []Instruction) ([]Tuple, []TupleError) {
	var (
		tuples   []Tuple
		rejected []TupleError
	)
	for i, in := range leaves {
		t, err := toTuple(origin, in)
		if err != nil {
			rejected = append(rejected, TupleError{Position: i, Instruction: in, Reason: err.Error()})
			continue
		}
		tuples = append(tuples, t)
	}
	return tuples, rejected
}

func toTuple(origin Origin, in Instruction) (Tuple, error) {
	var t Tuple

	switch strings.ToLower(strings.TrimSpace(in.Target)) {
	case targetMaster:
		if origin.DeviceID == "" {
			return t, errors.New("origin device is required for master relays")
		}
		t.Partition = model.PartitionMaster
		t.TargetDeviceID = origin.DeviceID
		t.TargetAddress = origin.Address
	case targetSlave:
		t.Partition = model.PartitionSlave
		if err := resolveSlave(&t, in); err != nil {
			return t, err
		}
	default:
		return t, fmt.Errorf("target must be %q or %q, got %q", targetMaster, targetSlave, in.Target)
	}

	if in.RelayNumber == nil {
		return t, errors.New("relay_number is required")
	}
	if max := t.Partition.MaxRelayIndex(); *in.RelayNumber < 0 || *in.RelayNumber > max {
		return t, fmt.Errorf("relay_number %d out of range 0-%d", *in.RelayNumber, max)
	}
	t.Index = *in.RelayNumber

	action := strings.ToLower(strings.TrimSpace(in.Action))
	if action != model.ActionOn && action != model.ActionOff {
		return t, fmt.Errorf("action must be on or off, got %q", in.Action)
	}
	t.Action = action

	if in.DurationSeconds < 0 || in.DurationSeconds > model.MaxDurationSeconds {
		return t, fmt.Errorf("duration_seconds %d out of range 0-%d", in.DurationSeconds, model.MaxDurationSeconds)
	}
	t.Duration = in.DurationSeconds
	return t, nil
}

func resolveSlave(t *Tuple, in Instruction) error {
	switch {
	case in.SlaveMAC != "":
		mac, err := parse.NormalizeMAC(in.SlaveMAC)
		if err != nil {
			return err
		}
		t.TargetAddress = mac
		if in.SlaveDeviceID != "" {
			t.TargetDeviceID = in.SlaveDeviceID
			return nil
		}
		t.TargetDeviceID, err = parse.SlaveDeviceID(mac)
		return err
	case in.SlaveDeviceID != "":
		t.TargetDeviceID = in.SlaveDeviceID
		if mac, ok := parse.MACFromSlaveID(in.SlaveDeviceID); ok {
			t.TargetAddress = mac
		}
		return nil
	}
	return errors.New("slave_mac or slave_device_id is required for slave relays")
}

// GroupTuples merges tuples by (partition, target device) in order of first appearance.
func GroupTuples(tuples []Tuple) []Group {
	type key struct {
		partition model.Partition
		device    string
	}
	var groups []Group
	groupIdx := make(map[key]int)
	slots := make(map[key]map[int]int)

	for _, t := range tuples {
		k := key{t.Partition, t.TargetDeviceID}
		gi, ok := groupIdx[k]
		if !ok {
			gi = len(groups)
			groupIdx[k] = gi
			slots[k] = make(map[int]int)
			groups = append(groups, Group{
				Partition:      t.Partition,
				TargetDeviceID: t.TargetDeviceID,
				TargetAddress:  t.TargetAddress,
			})
		}
		g := &groups[gi]
		if g.TargetAddress == "" {
			g.TargetAddress = t.TargetAddress
		}

		if slot, seen := slots[k][t.Index]; seen {
			g.Actions[slot] = t.Action
			g.Durations[slot] = t.Duration
			continue
		}
		slots[k][t.Index] = len(g.Targets)
		g.Targets = append(g.Targets, t.Index)
		g.Actions = append(g.Actions, t.Action)
		g.Durations = append(g.Durations, t.Duration)
	}
	return groups
}
