package slcan

import (
	"fmt"
	"strconv"
	"strings"
)

/*
Reply to the F command, two hex digits:
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI), see SJA1000 datasheet
Bit 3 Data Overrun (DOI), see SJA1000 datasheet
Bit 4 Not used.
Bit 5 Error Passive (EPI), see SJA1000 datasheet
Bit 6 Arbitration Lost (ALI), see SJA1000 datasheet
Bit 7 Bus Error (BEI), see SJA1000 datasheet
*/
type Status uint8

const (
	StatusRxFIFOFull Status = 1 << iota
	StatusTxFIFOFull
	StatusErrorWarning
	StatusDataOverrun
	_
	StatusErrorPassive
	StatusArbitrationLost
	StatusBusError
)

var statusNames = []struct {
	flag Status
	name string
}{
	{StatusRxFIFOFull, "receive FIFO full"},
	{StatusTxFIFOFull, "transmit FIFO full"},
	{StatusErrorWarning, "error warning"},
	{StatusDataOverrun, "data overrun"},
	{StatusErrorPassive, "error passive"},
	{StatusArbitrationLost, "arbitration lost"},
	{StatusBusError, "bus error"},
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var out []string
	for _, n := range statusNames {
		if s&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ", ")
}

func (s Status) Has(flag Status) bool {
	return s&flag != 0
}

// parseStatus decodes an "Fxx" reply. The digits are hex.
func parseStatus(line []byte) (Status, error) {
	if len(line) != 3 || line[0] != 'F' {
		return 0, fmt.Errorf("malformed status reply")
	}
	v, err := strconv.ParseUint(string(line[1:]), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to decode status: %v", err)
	}
	return Status(v), nil
}
