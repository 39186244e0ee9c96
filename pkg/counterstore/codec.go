package counterstore

import (
	"strconv"
	"strings"
	"time"
)

// encodeSample packs a Sample into a ZSET member string "unixnano:value".
// The score alone determines ordering/eviction; the member only needs to
// carry the value back out and be unique per insert (UnixNano is already
// unique enough for this store's call patterns).
func encodeSample(ts time.Time, value float64) string {
	return strconv.FormatInt(ts.UnixNano(), 10) + ":" + strconv.FormatFloat(value, 'g', -1, 64)
}

func decodeSample(member string) (Sample, bool) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return Sample{}, false
	}
	nanos, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return Sample{}, false
	}
	value, err := strconv.ParseFloat(member[idx+1:], 64)
	if err != nil {
		return Sample{}, false
	}
	return Sample{Timestamp: time.Unix(0, nanos), Value: value}, true
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
