package cpu

import (
	"fmt"
	"log/slog"
)

// cp15Transfer handles the user accessible CP15 registers: the thread ID
// registers and the barrier operations.
func (c *CPU) cp15Transfer(op uint32) {
	read := op&(1<<20) != 0
	opc1 := (op >> 21) & 7
	crn := (op >> 16) & 0xF
	rt := (op >> 12) & 0xF
	opc2 := (op >> 5) & 7
	crm := op & 0xF

	switch {
	case crn == 13 && crm == 0 && opc1 == 0 && opc2 == 2:
		if read {
			c.R[rt] = c.TPIDRURW
		} else {
			c.TPIDRURW = c.reg(rt)
		}
	case crn == 13 && crm == 0 && opc1 == 0 && opc2 == 3:
		if read {
			c.R[rt] = c.TPIDRURO
			return
		}
		// read only from user mode
		c.undefined()
	case crn == 7 && !read:
		// cache maintenance, flush prefetch buffer, data barriers
		switch {
		case crm == 10 && (opc2 == 4 || opc2 == 5):
		case crm == 5 && opc2 == 4:
		default:
			slog.Debug("Ignoring CP15 c7 operation", "crm", crm, "opc2", opc2,
				"pc", fmt.Sprintf("0x%08X", c.curPC))
		}
	default:
		c.undefined()
	}
}
