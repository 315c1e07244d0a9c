package cpu

import (
	"math"
)

// VFP register index helpers. Single precision registers are numbered
// Vx:B, double precision B:Vx.
func vfpSingle(op uint32, shift uint, extra uint) int {
	return int((op>>shift)&0xF)<<1 | int((op>>extra)&1)
}

func vfpDouble(op uint32, shift uint, extra uint) int {
	return int((op>>extra)&1)<<4 | int((op>>shift)&0xF)
}

func (c *CPU) sreg(n int) float32 { return math.Float32frombits(c.S[n]) }

func (c *CPU) setSreg(n int, v float32) { c.S[n] = math.Float32bits(v) }

func (c *CPU) dreg(n int) float64 { return math.Float64frombits(c.D(n)) }

func (c *CPU) setDreg(n int, v float64) { c.SetD(n, math.Float64bits(v)) }

// armCoprocessorTransfer handles coprocessor loads and stores and the 64 bit
// register moves, VFP only.
func (c *CPU) armCoprocessorTransfer(op uint32) {
	cp := (op >> 8) & 0xF
	if cp != 10 && cp != 11 {
		c.undefined()
		return
	}
	if op&0x0FE00000 == 0x0C400000 {
		c.vfpTransfer64(op)
		return
	}
	c.vfpLoadStore(op)
}

// armCoprocessor handles CDP, MCR and MRC for CP15 and the VFP.
func (c *CPU) armCoprocessor(op uint32) {
	cp := (op >> 8) & 0xF
	switch {
	case cp == 15 && op&0x10 != 0:
		c.cp15Transfer(op)
	case (cp == 10 || cp == 11) && op&0x10 == 0:
		c.vfpDataProcessing(op)
	case (cp == 10 || cp == 11) && op&0x10 != 0:
		c.vfpRegisterTransfer(op)
	default:
		c.undefined()
	}
}

func (c *CPU) vfpLoadStore(op uint32) {
	pre := op&(1<<24) != 0
	up := op&(1<<23) != 0
	writeback := op&(1<<21) != 0
	load := op&(1<<20) != 0
	rn := (op >> 16) & 0xF
	double := op&(1<<8) != 0
	imm := (op & 0xFF) << 2

	base := c.reg(rn)
	if rn == PC {
		base &^= 3
	}

	if pre && !writeback {
		// VLDR, VSTR
		addr := base - imm
		if up {
			addr = base + imm
		}
		if double {
			c.vfpTransferDouble(addr, vfpDouble(op, 12, 22), load)
		} else {
			c.vfpTransferSingle(addr, vfpSingle(op, 12, 22), load)
		}
		return
	}

	// VLDM, VSTM, VPUSH, VPOP
	if pre == up {
		c.undefined()
		return
	}
	addr := base
	if !up {
		addr = base - imm
	}
	final := base + imm
	if !up {
		final = base - imm
	}

	count := int(op & 0xFF)
	if double {
		first := vfpDouble(op, 12, 22)
		for i := 0; i < count/2; i++ {
			c.vfpTransferDouble(addr+uint32(8*i), first+i, load)
		}
	} else {
		first := vfpSingle(op, 12, 22)
		for i := 0; i < count; i++ {
			c.vfpTransferSingle(addr+uint32(4*i), first+i, load)
		}
	}
	if c.fault == nil && writeback {
		c.R[rn] = final
	}
}

func (c *CPU) vfpTransferSingle(addr uint32, reg int, load bool) {
	if reg > 31 {
		c.undefined()
		return
	}
	if load {
		v := c.read32(addr)
		if c.fault == nil {
			c.S[reg] = v
		}
		return
	}
	c.write32(addr, c.S[reg])
}

func (c *CPU) vfpTransferDouble(addr uint32, reg int, load bool) {
	if reg > 15 {
		c.undefined()
		return
	}
	if load {
		lo := c.read32(addr)
		hi := c.read32(addr + 4)
		if c.fault == nil {
			c.S[2*reg] = lo
			c.S[2*reg+1] = hi
		}
		return
	}
	c.write32(addr, c.S[2*reg])
	c.write32(addr+4, c.S[2*reg+1])
}

// vfpTransfer64 handles VMOV between two core registers and either two
// single or one double precision register.
func (c *CPU) vfpTransfer64(op uint32) {
	toCore := op&(1<<20) != 0
	rt2 := (op >> 16) & 0xF
	rt := (op >> 12) & 0xF
	double := op&(1<<8) != 0

	var lo, hi int
	if double {
		d := vfpDouble(op, 0, 5)
		lo, hi = 2*d, 2*d+1
	} else {
		lo = vfpSingle(op, 0, 5)
		hi = lo + 1
		if hi > 31 {
			c.undefined()
			return
		}
	}

	if toCore {
		c.R[rt] = c.S[lo]
		c.R[rt2] = c.S[hi]
		return
	}
	c.S[lo] = c.reg(rt)
	c.S[hi] = c.reg(rt2)
}

// vfpRegisterTransfer handles VMOV between a core and a single register,
// VMOV to and from a double register half, VMRS and VMSR.
func (c *CPU) vfpRegisterTransfer(op uint32) {
	toCore := op&(1<<20) != 0
	rt := (op >> 12) & 0xF
	opc1 := (op >> 21) & 7

	switch {
	case opc1 == 7:
		c.vfpSystemRegister(op, toCore, rt)
	case opc1 == 0 && op&(1<<8) == 0:
		n := vfpSingle(op, 16, 7)
		if toCore {
			c.setReg(rt, c.S[n])
		} else {
			c.S[n] = c.reg(rt)
		}
	case opc1&6 == 0 && op&(1<<8) != 0:
		// VMOV.32 Dd[x], Rt and back
		d := vfpDouble(op, 16, 7)
		idx := 2*d + int(opc1&1)
		if toCore {
			c.R[rt] = c.S[idx]
		} else {
			c.S[idx] = c.reg(rt)
		}
	default:
		c.undefined()
	}
}

func (c *CPU) vfpSystemRegister(op uint32, toCore bool, rt uint32) {
	reg := (op >> 16) & 0xF
	if toCore {
		var v uint32
		switch reg {
		case 0: // FPSID, ARM11 VFP11
			v = 0x410120B4
		case 1:
			v = c.FPSCR
		case 8:
			v = c.FPEXC
		default:
			c.undefined()
			return
		}
		if rt == PC {
			// VMRS APSR_nzcv, FPSCR
			c.setFlags(c.FPSCR)
			return
		}
		c.R[rt] = v
		return
	}

	v := c.reg(rt)
	switch reg {
	case 1:
		c.FPSCR = v
	case 8:
		c.FPEXC = v
	default:
		c.undefined()
	}
}

// VFP data processing operations, bits 23, 21, 20 and 6 of the encoding.
const (
	vfpMLA   = 0b0000
	vfpMLS   = 0b0001
	vfpNMLS  = 0b0010
	vfpNMLA  = 0b0011
	vfpMUL   = 0b0100
	vfpNMUL  = 0b0101
	vfpADD   = 0b0110
	vfpSUB   = 0b0111
	vfpDIV   = 0b1000
	vfpOther = 0b1110
)

func (c *CPU) vfpDataProcessing(op uint32) {
	double := op&(1<<8) != 0
	sel := (op>>23&1)<<3 | (op>>20&3)<<1 | (op>>6)&1
	if sel&0b1110 == vfpOther {
		c.vfpExtension(op, double)
		return
	}

	c.instrCyc++
	if double {
		d, n, m := vfpDouble(op, 12, 22), vfpDouble(op, 16, 7), vfpDouble(op, 0, 5)
		if d > 15 || n > 15 || m > 15 {
			c.undefined()
			return
		}
		a, b, acc := c.dreg(n), c.dreg(m), c.dreg(d)
		var r float64
		switch sel {
		case vfpMLA:
			r = acc + float64(a*b)
		case vfpMLS:
			r = acc - float64(a*b)
		case vfpNMLS:
			r = -acc + float64(a*b)
		case vfpNMLA:
			r = -acc - float64(a*b)
		case vfpMUL:
			r = a * b
		case vfpNMUL:
			r = -(a * b)
		case vfpADD:
			r = a + b
		case vfpSUB:
			r = a - b
		case vfpDIV:
			r = a / b
			c.instrCyc += 14
		default:
			c.undefined()
			return
		}
		c.setDreg(d, r)
		return
	}

	d, n, m := vfpSingle(op, 12, 22), vfpSingle(op, 16, 7), vfpSingle(op, 0, 5)
	a, b, acc := c.sreg(n), c.sreg(m), c.sreg(d)
	var r float32
	switch sel {
	case vfpMLA:
		r = acc + float32(a*b)
	case vfpMLS:
		r = acc - float32(a*b)
	case vfpNMLS:
		r = -acc + float32(a*b)
	case vfpNMLA:
		r = -acc - float32(a*b)
	case vfpMUL:
		r = a * b
	case vfpNMUL:
		r = -(a * b)
	case vfpADD:
		r = a + b
	case vfpSUB:
		r = a - b
	case vfpDIV:
		r = a / b
		c.instrCyc += 14
	default:
		c.undefined()
		return
	}
	c.setSreg(d, r)
}

// vfpExtension handles the unary operations, compares and conversions.
func (c *CPU) vfpExtension(op uint32, double bool) {
	opc2 := (op >> 16) & 0xF
	opc3 := (op >> 6) & 3
	c.instrCyc++

	switch {
	case opc2 <= 1 && opc3&1 == 1:
		c.vfpUnary(op, double, opc2<<1|opc3>>1)
	case opc2 == 4 || opc2 == 5:
		c.vfpCompare(op, double, opc2 == 5)
	case opc2 == 7 && opc3 == 3:
		if double {
			d := vfpSingle(op, 12, 22)
			c.setSreg(d, float32(c.dreg(vfpDouble(op, 0, 5))))
		} else {
			d := vfpDouble(op, 12, 22)
			c.setDreg(d, float64(c.sreg(vfpSingle(op, 0, 5))))
		}
	case opc2 == 8 && opc3&1 == 1:
		// integer in a single register to float
		raw := c.S[vfpSingle(op, 0, 5)]
		var v float64
		if op&(1<<7) != 0 {
			v = float64(int32(raw))
		} else {
			v = float64(raw)
		}
		if double {
			c.setDreg(vfpDouble(op, 12, 22), v)
		} else {
			c.setSreg(vfpSingle(op, 12, 22), float32(v))
		}
	case (opc2 == 12 || opc2 == 13) && opc3&1 == 1:
		var v float64
		if double {
			v = c.dreg(vfpDouble(op, 0, 5))
		} else {
			v = float64(c.sreg(vfpSingle(op, 0, 5)))
		}
		mode := (c.FPSCR >> fpscrRModeShift) & 3
		if op&(1<<7) != 0 {
			mode = 3
		}
		c.S[vfpSingle(op, 12, 22)] = floatToInt(v, mode, opc2 == 13)
	default:
		c.undefined()
	}
}

func (c *CPU) vfpUnary(op uint32, double bool, kind uint32) {
	if double {
		d, m := vfpDouble(op, 12, 22), vfpDouble(op, 0, 5)
		v := c.dreg(m)
		switch kind {
		case 0: // VMOV
		case 1: // VABS
			v = math.Abs(v)
		case 2: // VNEG
			v = -v
		case 3: // VSQRT
			v = math.Sqrt(v)
			c.instrCyc += 14
		}
		c.setDreg(d, v)
		return
	}

	d, m := vfpSingle(op, 12, 22), vfpSingle(op, 0, 5)
	bits := c.S[m]
	switch kind {
	case 0:
	case 1:
		bits &^= 0x80000000
	case 2:
		bits ^= 0x80000000
	case 3:
		bits = math.Float32bits(float32(math.Sqrt(float64(math.Float32frombits(bits)))))
		c.instrCyc += 14
	}
	c.S[d] = bits
}

func (c *CPU) vfpCompare(op uint32, double bool, withZero bool) {
	var a, b float64
	if double {
		a = c.dreg(vfpDouble(op, 12, 22))
		if !withZero {
			b = c.dreg(vfpDouble(op, 0, 5))
		}
	} else {
		a = float64(c.sreg(vfpSingle(op, 12, 22)))
		if !withZero {
			b = float64(c.sreg(vfpSingle(op, 0, 5)))
		}
	}

	var nzcv uint32
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		nzcv = 0b0011
	case a == b:
		nzcv = 0b0110
	case a < b:
		nzcv = 0b1000
	default:
		nzcv = 0b0010
	}
	c.FPSCR = c.FPSCR&0x0FFFFFFF | nzcv<<fpscrV
}

// floatToInt converts with saturation using an FPSCR rounding mode.
func floatToInt(v float64, mode uint32, signed bool) uint32 {
	if math.IsNaN(v) {
		return 0
	}
	switch mode {
	case 0:
		v = math.RoundToEven(v)
	case 1:
		v = math.Ceil(v)
	case 2:
		v = math.Floor(v)
	default:
		v = math.Trunc(v)
	}
	if signed {
		switch {
		case v >= math.MaxInt32:
			return math.MaxInt32
		case v <= math.MinInt32:
			return 0x80000000
		default:
			return uint32(int32(v))
		}
	}
	switch {
	case v >= math.MaxUint32:
		return math.MaxUint32
	case v <= 0:
		return 0
	default:
		return uint32(v)
	}
}
