package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/anqori/anchorwatch/linker"
	"github.com/anqori/anchorwatch/protocol"
)

const defaultSilenceSeconds = 900

var commandNames = []string{"probe", "anchor-rise", "anchor-down", "silence", "wifi-scan", "config-patch"}

func joinCommands() string { return strings.Join(commandNames, ", ") }

// execute runs one command on the linker's active connection and returns
// the value to print.
func execute(ctx context.Context, l *linker.Linker, name string, args []string, relayBase string) (any, error) {
	switch name {
	case "probe":
		return l.Probe(ctx, "", relayBase)
	case "anchor-rise":
		return l.AnchorRise(ctx)
	case "anchor-down":
		if len(args) != 2 {
			return nil, fmt.Errorf("anchor-down needs LAT LON")
		}
		lat, err := parseCoord(args[0], 90)
		if err != nil {
			return nil, fmt.Errorf("lat: %w", err)
		}
		lon, err := parseCoord(args[1], 180)
		if err != nil {
			return nil, fmt.Errorf("lon: %w", err)
		}
		return l.AnchorDown(ctx, lat, lon)
	case "silence":
		seconds := float64(defaultSilenceSeconds)
		if len(args) > 0 {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, fmt.Errorf("seconds: %w", err)
			}
			seconds = v
		}
		return l.SilenceAlarm(ctx, seconds)
	case "wifi-scan":
		maxResults, hidden := 0, false
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, fmt.Errorf("max results: %w", err)
			}
			maxResults = n
		}
		if len(args) > 1 {
			b, err := strconv.ParseBool(args[1])
			if err != nil {
				return nil, fmt.Errorf("include hidden: %w", err)
			}
			hidden = b
		}
		return l.ScanWifi(ctx, maxResults, hidden)
	case "config-patch":
		if len(args) != 2 {
			return nil, fmt.Errorf("config-patch needs VERSION JSON")
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || version < 0 {
			return nil, fmt.Errorf("version must be a non-negative integer: %q", args[0])
		}
		var patch protocol.Map
		if err := json.Unmarshal([]byte(args[1]), &patch); err != nil || patch == nil {
			return nil, fmt.Errorf("patch must be a JSON object")
		}
		return l.SendConfigPatch(ctx, version, patch)
	}
	return nil, fmt.Errorf("unknown command: %s", name)
}

func parseCoord(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}
