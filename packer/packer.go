// Package packer computes the sector layout of an rvboot disk and writes the
// corresponding GUID partition table. It is shared between rvb write (which
// applies the table) and rvb layout (which only prints it).
package packer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"
)

// guidNamespace scopes the name-based partition GUIDs to rvboot.
var guidNamespace = uuid.MustParse("7d1a63f2-5d0b-4f1f-9a0e-7262a6b0c0d1")

// Table is the GPT for one LayoutPlan.
type Table struct {
	Plan LayoutPlan

	// Seed makes GUIDs deterministic: the same seed and plan always result
	// in a byte-identical partition table.
	Seed string
}

func NewTable(plan LayoutPlan, seed string) Table {
	return Table{Plan: plan, Seed: seed}
}

// PartitionGUID derives the unique GUID of the specified partition. Partition
// 0 is the disk GUID.
func (t *Table) PartitionGUID(partition uint16) uuid.UUID {
	return uuid.NewSHA1(guidNamespace, []byte(fmt.Sprintf("%s/%d", t.Seed, partition)))
}

var (
	inactive = byte(0x00)

	// invalidCHS results in using the sector values instead
	invalidCHS = [3]byte{0xFE, 0xFF, 0xFF}

	protective = byte(0xEE)

	signature = uint16(0xAA55)
)

// writeProtectiveMBR covers the whole disk (or as much of it as fits into 32
// bits) with a single 0xEE partition so that MBR-only tools leave it alone.
func writeProtectiveMBR(w io.Writer, devsize uint64) error {
	size := devsize/BlockSize - 1
	if size > 0xFFFFFFFF {
		size = 0xFFFFFFFF
	}
	for _, v := range []interface{}{
		[446]byte{}, // boot code

		inactive,
		[3]byte{0x00, 0x02, 0x00}, // CHS of LBA 1
		protective,
		invalidCHS,
		uint32(1),
		uint32(size),

		[16]byte{}, // partition 2
		[16]byte{}, // partition 3
		[16]byte{}, // partition 4

		signature,
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// guidBytes converts u to the GPT on-disk representation, in which the first
// three fields are little-endian.
func guidBytes(u uuid.UUID) [16]byte {
	var result [16]byte
	binary.LittleEndian.PutUint32(result[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(result[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(result[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(result[8:], u[8:])
	return result
}

func mustParseGUID(guid string) [16]byte {
	return guidBytes(uuid.MustParse(guid))
}

func partitionName(name string) [72]byte {
	// UTF-16LE, at most 36 code units
	nameb := utf16.Encode([]rune(name))
	if len(nameb) > 36 {
		panic(fmt.Sprintf("Cannot use %s as partition name, has %d UTF-16 code units, maximum size is 36", name, len(nameb)))
	}
	var result [72]byte
	for i, u := range nameb {
		binary.LittleEndian.PutUint16(result[i*2:i*2+2], u)
	}
	return result
}

type partitionEntry struct {
	TypeGUID   [16]byte
	GUID       [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

func (t *Table) entries(devsize uint64) (*bytes.Buffer, error) {
	extents, err := t.Plan.Resolve(int64(devsize / BlockSize))
	if err != nil {
		return nil, err
	}
	entries := make([]partitionEntry, 0, len(extents))
	for i, p := range t.Plan.Partitions {
		e := extents[i]
		if e.Sectors() < 1 {
			return nil, fmt.Errorf("%w: partition %d (%s) is empty", ErrInvalidSize, p.Index, p.Name)
		}
		entries = append(entries, partitionEntry{
			TypeGUID: mustParseGUID(p.TypeGUID),
			GUID:     guidBytes(t.PartitionGUID(uint16(p.Index))),
			FirstLBA: uint64(e.First),
			LastLBA:  uint64(e.Last),
			Name:     partitionName(p.Name),
		})
	}
	var pbuf bytes.Buffer
	if err := binary.Write(&pbuf, binary.LittleEndian, entries); err != nil {
		return nil, err
	}
	if _, err := pbuf.Write(bytes.Repeat([]byte{0}, (128-len(entries))*128)); err != nil {
		return nil, err
	}
	return &pbuf, nil
}

func (t *Table) writeGPT(w io.Writer, devsize uint64, primary bool) error {
	pbuf, err := t.entries(devsize)
	if err != nil {
		return err
	}
	entriesChecksum := crc32.ChecksumIEEE(pbuf.Bytes())

	lastAddressable := (devsize / BlockSize) - 1 // 0-indexed
	currentLBA := uint64(1)
	backupLBA := lastAddressable
	entriesStart := uint64(2)
	if !primary {
		currentLBA = backupLBA
		entriesStart = backupLBA - 32
		backupLBA = 1
	}

	header := struct {
		Signature      [8]byte
		Revision       uint32
		HeaderSize     uint32
		CRC32Header    uint32
		Reserved       uint32
		CurrentLBA     uint64
		BackupLBA      uint64
		FirstUsableLBA uint64
		LastUsableLBA  uint64
		DiskGUID       [16]byte
		EntriesStart   uint64
		EntriesCount   uint32
		EntriesSize    uint32
		CRC32Array     uint32
	}{
		Signature:      [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'},
		Revision:       0x00010000, // Revision 1.0
		HeaderSize:     92,         // bytes
		CurrentLBA:     currentLBA,
		BackupLBA:      backupLBA,
		FirstUsableLBA: FirstUsableSector,
		LastUsableLBA:  lastAddressable - BackupGPTSectors,
		DiskGUID:       guidBytes(t.PartitionGUID(0)),
		EntriesStart:   entriesStart,
		// gdisk and sgdisk treat this as the number of available entries,
		// with an all-zero type GUID marking unused ones.
		EntriesCount: 128,
		EntriesSize:  128, // bytes
		CRC32Array:   entriesChecksum,
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, header); err != nil {
		return err
	}
	if got, want := hbuf.Len(), int(header.HeaderSize); got != want {
		return fmt.Errorf("BUG: header size: got %d, want %d", got, want)
	}
	header.CRC32Header = crc32.ChecksumIEEE(hbuf.Bytes())

	if !primary {
		// backup entries precede the backup header
		if _, err := io.Copy(w, pbuf); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, [420]byte{}); err != nil {
		return err
	}

	if primary {
		if _, err := io.Copy(w, pbuf); err != nil {
			return err
		}
	}
	return nil
}

// ClearHeaders zeroes the regions in which MBR and GPT metadata live (LBA 0
// to 33 and the last 33 sectors), so that no stale table survives when a
// later step fails.
func ClearHeaders(o io.WriterAt, devsize uint64) error {
	zero := make([]byte, FirstUsableSector*BlockSize)
	if _, err := o.WriteAt(zero, 0); err != nil {
		return err
	}
	if devsize/BlockSize <= FirstUsableSector+BackupGPTSectors {
		return nil
	}
	backup := int64(devsize) - BackupGPTSectors*BlockSize
	if _, err := o.WriteAt(zero[:BackupGPTSectors*BlockSize], backup); err != nil {
		return err
	}
	return nil
}

// Partition writes the protective MBR, the primary GPT and the backup GPT.
func (t *Table) Partition(o io.WriteSeeker, devsize uint64) error {
	if devsize%BlockSize != 0 {
		return fmt.Errorf("%w: device size %d is not a multiple of %d", ErrInvalidSize, devsize, BlockSize)
	}
	// validate before anything is written
	if _, err := t.entries(devsize); err != nil {
		return err
	}

	if _, err := o.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeProtectiveMBR(o, devsize); err != nil {
		return err
	}

	if err := t.writeGPT(o, devsize, true /* primary */); err != nil {
		return err
	}

	lastAddressable := (devsize / BlockSize) - 1 // 0-indexed
	lbaMinus33 := lastAddressable - 32
	if _, err := o.Seek(int64(lbaMinus33*BlockSize), io.SeekStart); err != nil {
		return err
	}

	return t.writeGPT(o, devsize, false /* backup */)
}
