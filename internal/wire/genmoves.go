package wire

import (
	"fmt"
	"strconv"
	"strings"

	"distmaster/pkg/boardgame"
)

// GenmovesArgs is the parsed args of a pachi-genmoves / pachi-genmoves_cleanup
// command per §4.1: "color played [main_time byoyomi_time byoyomi_periods
// byoyomi_stones]" followed by zero or more prior-stat lines.
type GenmovesArgs struct {
	Color      boardgame.Color
	Played     int
	WallTime   bool
	MainTime   float64
	ByoyomiT   float64
	ByoyomiP   int
	ByoyomiS   int
	PriorStats []ChildStats
}

// ChildStats is one per-child statistics line:
// "coord playouts value amaf_playouts amaf_value".
type ChildStats struct {
	Coord       boardgame.Coord
	Playouts    int
	Value       float64
	AmafPlayouts int
	AmafValue    float64
}

// EncodeGenmovesArgs renders the args body (without the trailing command
// id/verb header) for genmoves_args in distributed.c: color played, an
// optional time-control line, then one prior-stat line per child, and a
// terminating blank line.
func EncodeGenmovesArgs(a GenmovesArgs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", a.Color, a.Played)
	if a.WallTime {
		fmt.Fprintf(&b, " %.3f %.3f %d %d", a.MainTime, a.ByoyomiT, a.ByoyomiP, a.ByoyomiS)
	}
	b.WriteByte('\n')
	for _, cs := range a.PriorStats {
		fmt.Fprintf(&b, "%s %d %.7f %d %.7f\n", cs.Coord, cs.Playouts, cs.Value, cs.AmafPlayouts, cs.AmafValue)
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseGenmovesArgs parses the blank-line-terminated body produced by
// EncodeGenmovesArgs. lines must not include the terminating blank line.
func ParseGenmovesArgs(lines []string) (GenmovesArgs, error) {
	if len(lines) == 0 {
		return GenmovesArgs{}, fmt.Errorf("wire: empty pachi-genmoves args")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return GenmovesArgs{}, fmt.Errorf("wire: malformed genmoves header %q", lines[0])
	}
	color, err := boardgame.ParseColor(fields[0])
	if err != nil {
		return GenmovesArgs{}, err
	}
	played, err := strconv.Atoi(fields[1])
	if err != nil {
		return GenmovesArgs{}, err
	}
	a := GenmovesArgs{Color: color, Played: played}
	if len(fields) >= 6 {
		a.WallTime = true
		a.MainTime, _ = strconv.ParseFloat(fields[2], 64)
		a.ByoyomiT, _ = strconv.ParseFloat(fields[3], 64)
		a.ByoyomiP, _ = strconv.Atoi(fields[4])
		a.ByoyomiS, _ = strconv.Atoi(fields[5])
	}
	for _, line := range lines[1:] {
		cs, err := parseChildStatsLine(line)
		if err != nil {
			return GenmovesArgs{}, err
		}
		a.PriorStats = append(a.PriorStats, cs)
	}
	return a, nil
}

func parseChildStatsLine(line string) (ChildStats, error) {
	var cs ChildStats
	var coord string
	n, err := fmt.Sscanf(line, "%s %d %f %d %f", &coord, &cs.Playouts, &cs.Value, &cs.AmafPlayouts, &cs.AmafValue)
	if err != nil || n != 5 {
		return ChildStats{}, &ParseError{Line: line, Err: fmt.Errorf("malformed child stats line")}
	}
	cs.Coord = boardgame.Coord(coord)
	return cs, nil
}

// GenmovesReply is the parsed reply header plus per-child stats:
// "=id played_own total_playouts threads keep_looking" followed by
// per-child lines.
type GenmovesReply struct {
	PlayedOwn      int
	TotalPlayouts  int
	Threads        int
	KeepLooking    bool
	Children       []ChildStats
}

// EncodeGenmovesReply renders the reply payload lines (the caller wraps
// them in a wire.Reply via EncodeReply).
func EncodeGenmovesReply(r GenmovesReply) []string {
	keep := 0
	if r.KeepLooking {
		keep = 1
	}
	payload := []string{fmt.Sprintf("%d %d %d %d", r.PlayedOwn, r.TotalPlayouts, r.Threads, keep)}
	for _, cs := range r.Children {
		payload = append(payload, fmt.Sprintf("%s %d %.7f %d %.7f", cs.Coord, cs.Playouts, cs.Value, cs.AmafPlayouts, cs.AmafValue))
	}
	return payload
}

// ParseGenmovesReply parses the payload lines of a successful
// pachi-genmoves reply. An unparseable child line is skipped and parsing
// goes on with the next line; only a malformed header line fails the
// whole reply.
func ParseGenmovesReply(payload []string) (GenmovesReply, error) {
	if len(payload) == 0 {
		return GenmovesReply{}, fmt.Errorf("wire: empty genmoves reply")
	}
	var rep GenmovesReply
	var keep int
	if _, err := fmt.Sscanf(payload[0], "%d %d %d %d", &rep.PlayedOwn, &rep.TotalPlayouts, &rep.Threads, &keep); err != nil {
		return GenmovesReply{}, &ParseError{Line: payload[0], Err: err}
	}
	rep.KeepLooking = keep != 0
	for _, line := range payload[1:] {
		cs, err := parseChildStatsLine(line)
		if err != nil {
			continue
		}
		rep.Children = append(rep.Children, cs)
	}
	return rep, nil
}
