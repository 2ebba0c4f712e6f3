// decoder.go
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/linnix-os/linnixd/types"
)

var (
	wireHeaderSize    = binary.Size(types.WireHeader{})
	wireLifecycleSize = binary.Size(types.WireLifecycleEvent{})
	wireSampleSize    = binary.Size(types.WireSampleEvent{})
)

// DecodeEvent parses a fixed-layout kernel record into a typed Event. The
// input must carry a known version tag and a length matching the declared
// kind; anything else is a decode error counted by the caller.
func DecodeEvent(data []byte) (*types.Event, error) {
	if len(data) < wireHeaderSize {
		return nil, daemonErrf(ErrDecode, "record too short: %d bytes", len(data))
	}

	var header types.WireHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, daemonErr(ErrDecode, "reading header", err)
	}
	if header.Version != types.WireVersion {
		return nil, daemonErrf(ErrDecode, "unknown wire version %d", header.Version)
	}
	if int(header.Size) != len(data) {
		return nil, daemonErrf(ErrDecode, "declared size %d, got %d bytes", header.Size, len(data))
	}

	switch header.Kind {
	case types.EVENT_FORK, types.EVENT_EXEC, types.EVENT_EXIT:
		if len(data) != wireLifecycleSize {
			return nil, daemonErrf(ErrDecode, "lifecycle record kind %d with length %d", header.Kind, len(data))
		}
		var raw types.WireLifecycleEvent
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
			return nil, daemonErr(ErrDecode, "parsing lifecycle event", err)
		}
		ev := &types.Event{
			TsNs:       raw.TsNs,
			Kind:       types.EventKind(header.Kind),
			Pid:        raw.Pid,
			Tgid:       raw.Tgid,
			Ppid:       raw.Ppid,
			Comm:       trimComm(raw.Comm[:]),
			CgroupPath: trimCgroup(raw.CgroupPath[:]),
		}
		if ev.Kind == types.KindExit {
			ev.ExitCode = raw.ExitCode
		}
		return ev, nil

	case types.EVENT_RSS_SAMPLE, types.EVENT_CPU_SAMPLE:
		if len(data) != wireSampleSize {
			return nil, daemonErrf(ErrDecode, "sample record kind %d with length %d", header.Kind, len(data))
		}
		var raw types.WireSampleEvent
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
			return nil, daemonErr(ErrDecode, "parsing sample event", err)
		}
		ev := &types.Event{
			TsNs: raw.TsNs,
			Kind: types.EventKind(header.Kind),
			Pid:  raw.Pid,
			Tgid: raw.Tgid,
			Comm: trimComm(raw.Comm[:]),
		}
		if ev.Kind == types.KindRSS {
			ev.RSSBytes = raw.Value
		} else {
			ev.CPUDeltaNs = raw.Value
			ev.IntervalNs = raw.IntervalNs
		}
		return ev, nil
	}

	return nil, daemonErrf(ErrDecode, "unknown event kind: %d", header.Kind)
}

// EncodeEvent serializes a typed event back into its wire form. The drainer
// never needs this; it exists for tests that feed encoded records to the
// decoder and the drainer.
func EncodeEvent(ev *types.Event) ([]byte, error) {
	buf := new(bytes.Buffer)

	switch ev.Kind {
	case types.KindFork, types.KindExec, types.KindExit:
		raw := types.WireLifecycleEvent{
			Header: types.WireHeader{
				Version: types.WireVersion,
				Kind:    uint16(ev.Kind),
				Size:    uint32(wireLifecycleSize),
			},
			TsNs: ev.TsNs,
			Pid:  ev.Pid,
			Tgid: ev.Tgid,
			Ppid: ev.Ppid,
		}
		if ev.Kind == types.KindExit {
			raw.ExitCode = ev.ExitCode
		}
		copy(raw.Comm[:], ev.Comm)
		copy(raw.CgroupPath[:], ev.CgroupPath)
		if err := binary.Write(buf, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}

	case types.KindRSS, types.KindCPU:
		raw := types.WireSampleEvent{
			Header: types.WireHeader{
				Version: types.WireVersion,
				Kind:    uint16(ev.Kind),
				Size:    uint32(wireSampleSize),
			},
			TsNs:       ev.TsNs,
			Pid:        ev.Pid,
			Tgid:       ev.Tgid,
			IntervalNs: ev.IntervalNs,
		}
		if ev.Kind == types.KindRSS {
			raw.Value = ev.RSSBytes
		} else {
			raw.Value = ev.CPUDeltaNs
		}
		copy(raw.Comm[:], ev.Comm)
		if err := binary.Write(buf, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("cannot encode event kind %d", ev.Kind)
	}

	return buf.Bytes(), nil
}

func trimComm(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func trimCgroup(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
