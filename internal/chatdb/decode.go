package chatdb

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Raw dates above this magnitude are nanoseconds (High Sierra and later);
// below it they are seconds.
const nanosThreshold = 100_000_000_000

const maxSeconds = math.MaxInt64 / int64(time.Second)

// appleTime converts a raw message.date value. A non-empty reason means the
// value could not be trusted and the returned time is zero.
func appleTime(raw any) (time.Time, string) {
	var v int64
	switch x := raw.(type) {
	case nil:
		return time.Time{}, "missing date"
	case int64:
		v = x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x >= math.MaxInt64 || x < math.MinInt64 {
			return time.Time{}, "unparseable date"
		}
		v = int64(x)
	case []byte:
		return parseDateText(string(x))
	case string:
		return parseDateText(x)
	default:
		return time.Time{}, "unparseable date"
	}
	return fromApple(v)
}

func parseDateText(s string) (time.Time, string) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, "unparseable date"
	}
	return fromApple(v)
}

func fromApple(v int64) (time.Time, string) {
	if v == 0 {
		return time.Time{}, "missing date"
	}
	if v > nanosThreshold || v < -nanosThreshold {
		return appleEpoch.Add(time.Duration(v)).UTC(), ""
	}
	// Seconds must fit in a time.Duration once scaled.
	if v > maxSeconds || v < -maxSeconds {
		return time.Time{}, "date out of range"
	}
	return appleEpoch.Add(time.Duration(v) * time.Second).UTC(), ""
}

const objectReplacement = "\uFFFC"

// cleanBody removes attachment placeholders. A body that is only placeholders
// and whitespace becomes empty.
func cleanBody(s string) string {
	if !strings.Contains(s, objectReplacement) {
		return s
	}
	s = strings.ReplaceAll(s, objectReplacement, "")
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

var nsStringMarker = []byte("NSString")

// textFromAttributedBody pulls the NSString payloads out of a typedstream
// archived NSAttributedString. Newer macOS versions leave message.text NULL
// and store the body only here.
func textFromAttributedBody(data []byte) string {
	var parts []string
	rest := data
scan:
	for {
		idx := bytes.Index(rest, nsStringMarker)
		if idx < 0 {
			break
		}
		// Class name is followed by five bytes of version and type tags.
		start := idx + len(nsStringMarker) + 5
		if start >= len(rest) {
			break
		}

		// Lengths under 0x80 are a single byte; 0x81 and 0x82 prefix a
		// little-endian uint16 and uint32.
		var n, textStart int
		switch b := rest[start]; {
		case b == 0x81:
			if start+3 > len(rest) {
				break scan
			}
			n = int(binary.LittleEndian.Uint16(rest[start+1:]))
			textStart = start + 3
		case b == 0x82:
			if start+5 > len(rest) {
				break scan
			}
			l := binary.LittleEndian.Uint32(rest[start+1:])
			if uint64(l) > uint64(len(rest)) {
				break scan
			}
			n = int(l)
			textStart = start + 5
		case b < 0x80:
			n = int(b)
			textStart = start + 1
		default:
			break scan
		}
		if textStart+n > len(rest) {
			break
		}

		chunk := rest[textStart : textStart+n]
		if !utf8.Valid(chunk) || bytes.Contains(chunk, []byte{0}) {
			break
		}
		if text := strings.TrimSpace(string(chunk)); text != "" {
			parts = append(parts, text)
		}
		rest = rest[textStart+n:]
	}
	return strings.Join(parts, " ")
}
