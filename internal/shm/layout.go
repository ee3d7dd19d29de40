package shm

const (
	segmentMagic   uint32 = 0x5354524e
	segmentVersion uint32 = 1

	cacheLine  = 64
	headerSize = cacheLine
	slotSize   = 2 * cacheLine

	offMagic        uintptr = 0x00
	offVersion      uintptr = 0x04
	offSlotCount    uintptr = 0x08
	offStop         uintptr = 0x0c
	offStartGate    uintptr = 0x10
	offStartedCount uintptr = 0x14
	offSharedLock   uintptr = 0x18
	offKernelErrs   uintptr = 0x20

	slotOffCounter     uintptr = 0x00
	slotOffReady       uintptr = 0x08
	slotOffRunOK       uintptr = 0x0c
	slotOffForceKilled uintptr = 0x10
	slotOffStarted     uintptr = 0x14
	slotOffPid         uintptr = 0x18
	slotOffMaxOps      uintptr = 0x20
	slotOffCanaryValue uintptr = 0x40
	slotOffCanarySum   uintptr = 0x48
)

// Size returns the byte length of a segment holding n worker slots.
func Size(n int) int {
	return headerSize + n*slotSize
}
