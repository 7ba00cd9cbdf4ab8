package hosts

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/wireaddr"
)

// hostsFileMagic identifies our on-disk record format, distinguishing it
// from an empty or foreign file.
const hostsFileMagic uint32 = 0x484f5354 // "HOST"

const (
	ipv4Variant byte = 0
	ipv6Variant byte = 1
)

// readHostsFile decodes the file at path into a slice of addresses. A
// missing file is treated as an empty pool, matching "proceed with an
// empty store" semantics at the call site that chooses to tolerate it.
func readHostsFile(path string) ([]*wireaddr.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != hostsFileMagic {
		return nil, fmt.Errorf("%w: bad hosts file magic", ErrFileSystem)
	}
	count := binary.LittleEndian.Uint32(header[4:8])

	addrs := make([]*wireaddr.Address, 0, count)
	for i := uint32(0); i < count; i++ {
		addr, err := readRecord(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Truncated tail: keep what decoded cleanly.
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

func readRecord(r io.Reader) (*wireaddr.Address, error) {
	var rec [1 + 16 + 2 + 8 + 4]byte
	if _, err := io.ReadFull(r, rec[:]); err != nil {
		return nil, err
	}

	variant := rec[0]
	ipBytes := rec[1:17]
	port := binary.LittleEndian.Uint16(rec[17:19])
	services := binary.LittleEndian.Uint64(rec[19:27])
	lastSeen := binary.LittleEndian.Uint32(rec[27:31])

	var ip net.IP
	switch variant {
	case ipv4Variant:
		ip = net.IP(ipBytes[12:16]).To4()
	case ipv6Variant:
		ip = net.IP(append([]byte(nil), ipBytes...))
	default:
		return nil, fmt.Errorf("unknown ip variant %d", variant)
	}

	return &wireaddr.Address{
		IP:       ip,
		Port:     port,
		Services: wire.ServiceFlag(services),
		LastSeen: int64(lastSeen),
	}, nil
}

// writeHostsFileAtomic encodes addrs and atomically replaces path: write to
// a temp file in the same directory, fsync, then rename over the target.
func writeHostsFileAtomic(path string, addrs []*wireaddr.Address) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	w := bufio.NewWriter(tmp)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], hostsFileMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(addrs)))
	if _, err := w.Write(header[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	for _, a := range addrs {
		if err := writeRecord(w, a); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", ErrFileSystem, err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	return nil
}

func writeRecord(w io.Writer, a *wireaddr.Address) error {
	var rec [1 + 16 + 2 + 8 + 4]byte

	ip4 := a.IP.To4()
	if ip4 != nil {
		rec[0] = ipv4Variant
		copy(rec[13:17], ip4)
	} else {
		rec[0] = ipv6Variant
		copy(rec[1:17], a.IP.To16())
	}

	binary.LittleEndian.PutUint16(rec[17:19], a.Port)
	binary.LittleEndian.PutUint64(rec[19:27], uint64(a.Services))

	lastSeen := a.LastSeen
	if lastSeen <= 0 {
		lastSeen = time.Now().Unix()
	}
	binary.LittleEndian.PutUint32(rec[27:31], uint32(lastSeen))

	_, err := w.Write(rec[:])
	return err
}
