package protocol

// Flash layout of the STM32F4 target running the bootloader.
const (
	// ApplicationAddress is the lowest address the bootloader accepts for a program.
	ApplicationAddress = 0x0800C000
	// FlashSectors is the number of sectors the bootloader can erase individually.
	FlashSectors = 6
)
