// Package slothash implements the cluster Slot Hasher: extracting a
// routing key from a packed RESP command and mapping it to one of the
// 16384 cluster slots.
package slothash

import "bytes"

const numSlots = 16384

// SlotFor extracts the routing key from a packed RESP command — an
// array of bulk strings — and returns its cluster slot. The second
// return value is false when fewer than two arguments are present or
// the second argument isn't a bulk string, meaning the caller has no
// key to route on and should pick a node at random.
func SlotFor(packed []byte) (uint16, bool) {
	key, ok := secondArgument(packed)
	if !ok {
		return 0, false
	}
	return Slot(key), true
}

// Slot computes the cluster slot for a raw routing key, applying the
// hash-tag rule: for a key of the form "prefix{tag}suffix" with a
// non-empty tag, only "tag" is hashed. A key with no "{", no matching
// "}", or an empty "{}" span hashes in full.
func Slot(key []byte) uint16 {
	return crc16(hashTagged(key)) % numSlots
}

func hashTagged(key []byte) []byte {
	start := bytes.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := bytes.IndexByte(key[start+1:], '}')
	if end < 0 {
		return key
	}
	if end == 0 {
		// "{}" — empty tag is ignored, the whole key hashes.
		return key
	}
	return key[start+1 : start+1+end]
}

// secondArgument decodes only as much of the packed command as routing
// needs: the leading array header and the first two bulk-string
// arguments. It never parses the remainder of the frame.
func secondArgument(packed []byte) ([]byte, bool) {
	n, rest, ok := readArrayHeader(packed)
	if !ok || n < 2 {
		return nil, false
	}
	_, rest, ok = readBulk(rest) // command name, discarded
	if !ok {
		return nil, false
	}
	key, _, ok := readBulk(rest)
	if !ok {
		return nil, false
	}
	return key, true
}

func readArrayHeader(b []byte) (count int, rest []byte, ok bool) {
	if len(b) == 0 || b[0] != '*' {
		return 0, nil, false
	}
	line, rest, ok := readLine(b[1:])
	if !ok {
		return 0, nil, false
	}
	n, ok := parseInt(line)
	if !ok || n < 0 {
		return 0, nil, false
	}
	return n, rest, true
}

func readBulk(b []byte) (data []byte, rest []byte, ok bool) {
	if len(b) == 0 || b[0] != '$' {
		return nil, nil, false
	}
	line, rest, ok := readLine(b[1:])
	if !ok {
		return nil, nil, false
	}
	size, ok := parseInt(line)
	if !ok || size < 0 {
		return nil, nil, false
	}
	if len(rest) < size+2 {
		return nil, nil, false
	}
	return rest[:size], rest[size+2:], true
}

// readLine splits b at the first CRLF, returning the content before it
// and the remainder after it.
func readLine(b []byte) (line []byte, rest []byte, ok bool) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return nil, nil, false
	}
	return b[:idx], b[idx+2:], true
}

func parseInt(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(b) {
		return 0, false
	}
	n := 0
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, false
		}
		n = n*10 + int(b[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

// crc16 is CRC16/XMODEM: polynomial 0x1021, initial value 0, no
// reflection, no final XOR. This table is the same one df2redis uses in
// internal/replica/flow_writer.go for its own (equivalent) slot
// calculation; it must match the cluster's partitioning exactly.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[((crc>>8)^uint16(b))&0xFF]
	}
	return crc
}

var crc16Table = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50A5, 0x60C6, 0x70E7,
	0x8108, 0x9129, 0xA14A, 0xB16B, 0xC18C, 0xD1AD, 0xE1CE, 0xF1EF,
	0x1231, 0x0210, 0x3273, 0x2252, 0x52B5, 0x4294, 0x72F7, 0x62D6,
	0x9339, 0x8318, 0xB37B, 0xA35A, 0xD3BD, 0xC39C, 0xF3FF, 0xE3DE,
	0x2462, 0x3443, 0x0420, 0x1401, 0x64E6, 0x74C7, 0x44A4, 0x5485,
	0xA56A, 0xB54B, 0x8528, 0x9509, 0xE5EE, 0xF5CF, 0xC5AC, 0xD58D,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76D7, 0x66F6, 0x5695, 0x46B4,
	0xB75B, 0xA77A, 0x9719, 0x8738, 0xF7DF, 0xE7FE, 0xD79D, 0xC7BC,
	0x48C4, 0x58E5, 0x6886, 0x78A7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xC9CC, 0xD9ED, 0xE98E, 0xF9AF, 0x8948, 0x9969, 0xA90A, 0xB92B,
	0x5AF5, 0x4AD4, 0x7AB7, 0x6A96, 0x1A71, 0x0A50, 0x3A33, 0x2A12,
	0xDBFD, 0xCBDC, 0xFBBF, 0xEB9E, 0x9B79, 0x8B58, 0xBB3B, 0xAB1A,
	0x6CA6, 0x7C87, 0x4CE4, 0x5CC5, 0x2C22, 0x3C03, 0x0C60, 0x1C41,
	0xEDAE, 0xFD8F, 0xCDEC, 0xDDCD, 0xAD2A, 0xBD0B, 0x8D68, 0x9D49,
	0x7E97, 0x6EB6, 0x5ED5, 0x4EF4, 0x3E13, 0x2E32, 0x1E51, 0x0E70,
	0xFF9F, 0xEFBE, 0xDFDD, 0xCFFC, 0xBF1B, 0xAF3A, 0x9F59, 0x8F78,
	0x9188, 0x81A9, 0xB1CA, 0xA1EB, 0xD10C, 0xC12D, 0xF14E, 0xE16F,
	0x1080, 0x00A1, 0x30C2, 0x20E3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83B9, 0x9398, 0xA3FB, 0xB3DA, 0xC33D, 0xD31C, 0xE37F, 0xF35E,
	0x02B1, 0x1290, 0x22F3, 0x32D2, 0x4235, 0x5214, 0x6277, 0x7256,
	0xB5EA, 0xA5CB, 0x95A8, 0x8589, 0xF56E, 0xE54F, 0xD52C, 0xC50D,
	0x34E2, 0x24C3, 0x14A0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405,
	0xA7DB, 0xB7FA, 0x8799, 0x97B8, 0xE75F, 0xF77E, 0xC71D, 0xD73C,
	0x26D3, 0x36F2, 0x0691, 0x16B0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xD94C, 0xC96D, 0xF90E, 0xE92F, 0x99C8, 0x89E9, 0xB98A, 0xA9AB,
	0x5844, 0x4865, 0x7806, 0x6827, 0x18C0, 0x08E1, 0x3882, 0x28A3,
	0xCB7D, 0xDB5C, 0xEB3F, 0xFB1E, 0x8BF9, 0x9BD8, 0xABBB, 0xBB9A,
	0x4A75, 0x5A54, 0x6A37, 0x7A16, 0x0AF1, 0x1AD0, 0x2AB3, 0x3A92,
	0xFD2E, 0xED0F, 0xDD6C, 0xCD4D, 0xBDAA, 0xAD8B, 0x9DE8, 0x8DC9,
	0x7C26, 0x6C07, 0x5C64, 0x4C45, 0x3CA2, 0x2C83, 0x1CE0, 0x0CC1,
	0xEF1F, 0xFF3E, 0xCF5D, 0xDF7C, 0xAF9B, 0xBFBA, 0x8FD9, 0x9FF8,
	0x6E17, 0x7E36, 0x4E55, 0x5E74, 0x2E93, 0x3EB2, 0x0ED1, 0x1EF0,
}
