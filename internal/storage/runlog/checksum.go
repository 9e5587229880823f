package runlog

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum returns the CRC32-IEEE of the record's summary fields.
func CalculateChecksum(rec Record) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(rec.Seq, 10))
	b.WriteByte('|')
	b.WriteString(rec.RunID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.StartedAt, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.FinishedAt, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(rec.Refreshed))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(rec.Skipped))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(rec.Failed))
	b.WriteByte('|')
	b.WriteString(rec.Status)

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether rec carries the checksum of its fields.
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec)
}
