package vmx

// Model-specific registers.
const (
	MSRAPICBase         = 0x01b
	MSRMTRRCap          = 0x0fe
	MSRSysenterCS       = 0x174
	MSRSysenterESP      = 0x175
	MSRSysenterEIP      = 0x176
	MSRMiscEnable       = 0x1a0
	MSRMTRRPhysBase0    = 0x200
	MSRMTRRPhysMask9    = 0x213
	MSRMTRRFix64K       = 0x250
	MSRMTRRFix16K80000  = 0x258
	MSRMTRRFix16KA0000  = 0x259
	MSRMTRRFix4KC0000   = 0x268
	MSRMTRRFix4KF8000   = 0x26f
	MSRPAT              = 0x277
	MSRMTRRDefType      = 0x2ff
	MSRTSCDeadline      = 0x6e0
	MSRX2APICBase       = 0x800
	MSRX2APICLast       = 0x8ff
	MSREFER             = 0xc0000080
	MSRSTAR             = 0xc0000081
	MSRLSTAR            = 0xc0000082
	MSRFMASK            = 0xc0000084
	MSRFSBase           = 0xc0000100
	MSRGSBase           = 0xc0000101
	MSRKernelGSBase     = 0xc0000102
	MSRTSCAux           = 0xc0000103
	msrHighBase         = 0xc0000000
	msrBitmapRangeWidth = 0x2000
)

// MSR bitmap layout: four 1KiB bitmaps for low reads, high reads, low
// writes and high writes.
const (
	bitmapReadLow   = 0
	bitmapReadHigh  = 1024
	bitmapWriteLow  = 2048
	bitmapWriteHigh = 3072
)

func bitmapBit(msr uint32, write bool) (int, bool) {
	var base int

	switch {
	case msr < msrBitmapRangeWidth:
		base = bitmapReadLow
	case msr >= msrHighBase && msr < msrHighBase+msrBitmapRangeWidth:
		base = bitmapReadHigh
		msr -= msrHighBase
	default:
		return 0, false
	}

	if write {
		base += bitmapWriteLow
	}

	return base*8 + int(msr), true
}

// IgnoreMSR clears the exit bits for msr so that guest reads and writes
// pass through. MSRs outside the bitmap ranges always exit.
func IgnoreMSR(bitmap []byte, msr uint32) {
	for _, write := range []bool{false, true} {
		if bit, ok := bitmapBit(msr, write); ok {
			bitmap[bit/8] &^= 1 << (bit % 8)
		}
	}
}

// MSRExits reports whether an access to msr exits under bitmap.
func MSRExits(bitmap []byte, msr uint32, write bool) bool {
	bit, ok := bitmapBit(msr, write)
	if !ok {
		return true
	}

	return bitmap[bit/8]&(1<<(bit%8)) != 0
}
