package abi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/linea-world-id/state-bridge-relayer/entity"
)

var ErrInvalidEvent = errors.New("cannot process event without topics")

type ABI struct {
	abi.ABI
}

func MustReadABI(rawJSON string) ABI {
	res, err := abi.JSON(strings.NewReader(rawJSON))
	if err != nil {
		panic(err)
	}
	return ABI{res}
}

func (abi *ABI) AllEvents() map[string]bool {
	events := make(map[string]bool, len(abi.Events))
	for _, event := range abi.Events {
		events[event.String()] = true
	}
	return events
}

func indexed(args abi.Arguments) abi.Arguments {
	var res abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			res = append(res, arg)
		}
	}
	return res
}

// FindMatchingEventABI matches both the event id and the number of indexed
// arguments, so that events sharing a name but differing in indexing are told apart.
func (abi *ABI) FindMatchingEventABI(topics []common.Hash) *abi.Event {
	for _, e := range abi.Events {
		if e.ID == topics[0] && len(indexed(e.Inputs)) == len(topics)-1 {
			event := e
			return &event
		}
	}
	return nil
}

func decodeEventLog(event *abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	indexedArgs := indexed(event.Inputs)
	values := make(map[string]interface{})
	if len(indexedArgs) < len(event.Inputs) {
		if err := event.Inputs.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("can't unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexedArgs, topics[1:]); err != nil {
		return nil, fmt.Errorf("can't unpack topics: %w", err)
	}
	return values, nil
}

// ParseLog decodes a log into its event signature and named arguments. Logs
// of events unknown to the ABI yield an empty signature and no error.
func (abi *ABI) ParseLog(log *entity.Log) (string, map[string]interface{}, error) {
	topics := log.Topics()
	if len(topics) == 0 {
		return "", nil, ErrInvalidEvent
	}
	event := abi.FindMatchingEventABI(topics)
	if event == nil {
		return "", nil, nil
	}
	res, err := decodeEventLog(event, topics, log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("can't decode event log: %w", err)
	}
	return event.String(), res, nil
}

// EventID returns the topic of the named event, panicking on unknown names.
func (abi *ABI) EventID(name string) common.Hash {
	event, ok := abi.Events[name]
	if !ok {
		panic(fmt.Sprintf("event %s is not present in abi", name))
	}
	return event.ID
}

// DecodeRevert looks the revert data selector up among the ABI custom errors.
func (abi *ABI) DecodeRevert(data []byte) (*abi.Error, interface{}, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	for _, e := range abi.Errors {
		if string(e.ID[:4]) != string(data[:4]) {
			continue
		}
		customErr := e
		args, err := customErr.Unpack(data)
		if err != nil {
			return &customErr, nil, true
		}
		return &customErr, args, true
	}
	return nil, nil, false
}
