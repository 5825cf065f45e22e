package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidEraseSpec is returned for sector ranges the bootloader cannot act on.
var ErrInvalidEraseSpec = errors.New("invalid erase spec")

// EraseSpec selects the flash sectors to erase.
type EraseSpec struct {
	StartSector byte
	SectorCount byte
}

// MassErase returns the spec that erases the whole flash.
func MassErase() EraseSpec {
	return EraseSpec{StartSector: MassEraseSector, SectorCount: MassEraseCount}
}

// IsMass reports whether the spec is the mass erase sentinel.
func (e EraseSpec) IsMass() bool {
	return e.StartSector == MassEraseSector && e.SectorCount == MassEraseCount
}

// Validate checks the range against the device sector layout.
func (e EraseSpec) Validate() error {
	if e.IsMass() {
		return nil
	}
	if e.StartSector == MassEraseSector || e.SectorCount == MassEraseCount {
		return fmt.Errorf("%w: sentinel 0xFF must be used for both fields", ErrInvalidEraseSpec)
	}
	if e.SectorCount == 0 {
		return fmt.Errorf("%w: sector count is zero", ErrInvalidEraseSpec)
	}
	if int(e.StartSector)+int(e.SectorCount) > FlashSectors {
		return fmt.Errorf("%w: sectors %d..%d exceed the %d available",
			ErrInvalidEraseSpec, e.StartSector, int(e.StartSector)+int(e.SectorCount)-1, FlashSectors)
	}
	return nil
}

// Payload returns the EraseFlash payload.
func (e EraseSpec) Payload() []byte {
	return []byte{e.StartSector, e.SectorCount}
}

// String returns a description for logs and prompts.
func (e EraseSpec) String() string {
	if e.IsMass() {
		return "mass erase"
	}
	return fmt.Sprintf("%d sector(s) from sector %d", e.SectorCount, e.StartSector)
}

// Version is a firmware version triple.
type Version struct {
	Major byte
	Minor byte
	Patch byte
}

// String formats the version as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// FlashProgramHeader announces an image before its chunks are streamed.
type FlashProgramHeader struct {
	Version      Version
	StartAddress uint32
	ImageSize    uint32
}

// Payload returns the FlashProgram payload:
//
//	0-2: major, minor, patch
//	3-6: start address (big-endian)
//	7-10: image size (big-endian)
func (h FlashProgramHeader) Payload() []byte {
	data := make([]byte, 11)
	data[0] = h.Version.Major
	data[1] = h.Version.Minor
	data[2] = h.Version.Patch
	binary.BigEndian.PutUint32(data[3:7], h.StartAddress)
	binary.BigEndian.PutUint32(data[7:11], h.ImageSize)
	return data
}

// JumpSpec directs the bootloader to leave for application code.
type JumpSpec struct {
	TargetAddress uint32
	PersistChoice byte
}

// NewJumpToApplication jumps to the resident application. stayInBootloader
// selects whether the next power-up starts the bootloader again.
func NewJumpToApplication(stayInBootloader bool) JumpSpec {
	choice := byte(BootApplication)
	if stayInBootloader {
		choice = BootBootloader
	}
	return JumpSpec{TargetAddress: JumpToApplication, PersistChoice: choice}
}

// NewJumpToAddress jumps to a specific address. The persistence choice is
// always BootApplication for a specific address.
func NewJumpToAddress(address uint32) JumpSpec {
	return JumpSpec{TargetAddress: address, PersistChoice: BootApplication}
}

// Normalize enforces BootApplication for non-sentinel addresses.
func (j JumpSpec) Normalize() JumpSpec {
	if j.TargetAddress != JumpToApplication {
		j.PersistChoice = BootApplication
	}
	return j
}

// Payload returns the JumpToAddress payload: address (big-endian) then persistence choice.
func (j JumpSpec) Payload() []byte {
	j = j.Normalize()
	data := make([]byte, 5)
	binary.BigEndian.PutUint32(data[0:4], j.TargetAddress)
	data[4] = j.PersistChoice
	return data
}

// String returns a description for logs and prompts.
func (j JumpSpec) String() string {
	if j.TargetAddress == JumpToApplication {
		if j.PersistChoice == BootBootloader {
			return "main application (stay in bootloader next boot)"
		}
		return "main application"
	}
	return fmt.Sprintf("0x%08X", j.TargetAddress)
}
