package pages

import "encoding/binary"

// LSN is a log sequence number. LSNs are assigned in write order by the log
// manager and establish the global order of WAL records.
type LSN uint64

const ZeroLSN LSN = 0

func PutLSN(dest []byte, l LSN) {
	binary.BigEndian.PutUint64(dest, uint64(l))
}

func ReadLSN(src []byte) LSN {
	return LSN(binary.BigEndian.Uint64(src))
}
