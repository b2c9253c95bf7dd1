package atlink

import (
	"regexp"
	"strconv"
	"strings"

	"hfpd/client"
)

// splitArgs splits an AT argument list on commas outside quotes and
// parentheses.
func splitArgs(s string) []string {
	var (
		out   []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// intArg returns argument i of args as an int, or def.
func intArg(args []string, i, def int) int {
	if i >= len(args) {
		return def
	}
	n, err := strconv.Atoi(unquote(args[i]))
	if err != nil {
		return def
	}
	return n
}

// cut splits "+CMD: args" or "+CMD=args" into the command and its
// arguments.
func cut(line string) (string, string) {
	if i := strings.IndexAny(line, ":="); i >= 0 {
		cmd := line[:i]
		if line[i] == '=' {
			cmd += "="
		}
		return cmd, strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

var cindNameRe = regexp.MustCompile(`\(\s*"([^"]+)"`)

// parseCindNames reads the indicator names of a +CIND=? reply in order.
func parseCindNames(s string) []string {
	var names []string
	for _, m := range cindNameRe.FindAllStringSubmatch(s, -1) {
		names = append(names, strings.ToLower(m[1]))
	}
	return names
}

var chldBits = map[string]uint32{
	"0":  client.ChldRelease,
	"1":  client.ChldReleaseAccept,
	"1x": client.ChldReleaseX,
	"2":  client.ChldHoldAccept,
	"2x": client.ChldPrivateX,
	"3":  client.ChldMerge,
	"4":  client.ChldMergeDetach,
}

// parseChld reads the feature list of a +CHLD=? reply.
func parseChld(s string) uint32 {
	var f uint32
	for _, v := range splitArgs(strings.Trim(s, "()")) {
		f |= chldBits[strings.ToLower(v)]
	}
	return f
}

// finalResult classifies a line ending an AT command.
func finalResult(line string) (client.Result, int, bool) {
	switch line {
	case "OK":
		return client.ResultOK, 0, true
	case "ERROR":
		return client.ResultError, 0, true
	case "NO CARRIER":
		return client.ResultNoCarrier, 0, true
	case "BUSY":
		return client.ResultBusy, 0, true
	case "NO ANSWER":
		return client.ResultNoAnswer, 0, true
	case "DELAYED":
		return client.ResultDelayed, 0, true
	case "BLACKLISTED":
		return client.ResultBlacklisted, 0, true
	}
	if strings.HasPrefix(line, "+CME ERROR:") {
		cme, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "+CME ERROR:")))
		return client.ResultCME, cme, true
	}
	return 0, 0, false
}

func numberType(n string) int {
	if strings.HasPrefix(n, "+") {
		return 145
	}
	return 129
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
