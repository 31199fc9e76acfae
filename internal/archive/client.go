package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// RemoteArchive is a VersionedArchive implementation that proxies every
// call over the binary wire protocol to a server started with
// StartServer over a Unix-domain socket.
type RemoteArchive struct {
	addr string
	url  string
}

// DialRemoteArchive checks addr with a stat of the root and derives the
// RemoteArchive's URL from addr and the root's version; the served
// archive's own URL is not fetched.
func DialRemoteArchive(addr string) (*RemoteArchive, error) {
	r := &RemoteArchive{addr: addr}
	info, err := r.Stat("/")
	if err != nil {
		return nil, fmt.Errorf("archive: dialing remote %s: %w", addr, err)
	}
	r.url = fmt.Sprintf("vmledger+archive+remote://%s@v%d", addr, info.Version)
	return r, nil
}

func (r *RemoteArchive) URL() string { return r.url }

func (r *RemoteArchive) dial() (net.Conn, error) {
	return net.DialTimeout("unix", r.addr, 5*time.Second)
}

func (r *RemoteArchive) call(op byte, payload []byte) (byte, []byte, error) {
	conn, err := r.dial()
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	msg := append([]byte{op}, payload...)
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(msg)))
	if _, err := conn.Write(hdr); err != nil {
		return 0, nil, err
	}
	if _, err := conn.Write(msg); err != nil {
		return 0, nil, err
	}

	var respLen uint32
	if err := binary.Read(conn, binary.BigEndian, &respLen); err != nil {
		return 0, nil, err
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, nil, err
	}
	if len(resp) < 1 {
		return 0, nil, fmt.Errorf("archive: empty response")
	}
	return resp[0], resp[1:], nil
}

func encodePath(p string) []byte {
	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(p)))
	copy(buf[2:], p)
	return buf
}

func (r *RemoteArchive) Stat(p string) (FileInfo, error) {
	status, body, err := r.call(opStat, encodePath(p))
	if err != nil {
		return FileInfo{}, err
	}
	if status != statusOK {
		return FileInfo{}, fmt.Errorf("archive: remote stat %s: status %d", p, status)
	}
	if len(body) < 8+4+8+8+1 {
		return FileInfo{}, fmt.Errorf("archive: short stat response")
	}
	version := int64(binary.BigEndian.Uint64(body[0:8]))
	mode := binary.BigEndian.Uint32(body[8:12])
	size := int64(binary.BigEndian.Uint64(body[12:20]))
	mtime := int64(binary.BigEndian.Uint64(body[20:28]))
	isDir := body[28] == 1
	return FileInfo{
		Path:    p,
		Version: version,
		Mode:    os.FileMode(mode),
		Size:    size,
		ModTime: time.Unix(mtime, 0),
		IsDir:   isDir,
	}, nil
}

func (r *RemoteArchive) ReadFileAt(p string, offset int64, length int) ([]byte, int64, error) {
	payload := encodePath(p)
	offLen := make([]byte, 12)
	binary.BigEndian.PutUint64(offLen[0:8], uint64(offset))
	binary.BigEndian.PutUint32(offLen[8:12], uint32(length))
	payload = append(payload, offLen...)

	status, body, err := r.call(opRead, payload)
	if err != nil {
		return nil, 0, err
	}
	if status != statusOK {
		return nil, 0, fmt.Errorf("archive: remote read %s: status %d", p, status)
	}
	if len(body) < 12 {
		return nil, 0, fmt.Errorf("archive: short read response")
	}
	version := int64(binary.BigEndian.Uint64(body[0:8]))
	n := binary.BigEndian.Uint32(body[8:12])
	data := body[12:]
	if uint32(len(data)) < n {
		return nil, 0, fmt.Errorf("archive: truncated read response")
	}
	return data[:n], version, nil
}

func (r *RemoteArchive) Readdir(p string) ([]DirEntry, int64, error) {
	status, body, err := r.call(opReaddir, encodePath(p))
	if err != nil {
		return nil, 0, err
	}
	if status != statusOK {
		return nil, 0, fmt.Errorf("archive: remote readdir %s: status %d", p, status)
	}
	if len(body) < 10 {
		return nil, 0, fmt.Errorf("archive: short readdir response")
	}
	version := int64(binary.BigEndian.Uint64(body[0:8]))
	count := binary.BigEndian.Uint16(body[8:10])
	rest := body[10:]
	entries := make([]DirEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(rest) < 2 {
			break
		}
		nameLen := binary.BigEndian.Uint16(rest[0:2])
		rest = rest[2:]
		if len(rest) < int(nameLen)+1+8+8 {
			break
		}
		name := string(rest[:nameLen])
		isDir := rest[nameLen] == 1
		size := int64(binary.BigEndian.Uint64(rest[nameLen+1 : nameLen+9]))
		mtime := int64(binary.BigEndian.Uint64(rest[nameLen+9 : nameLen+17]))
		rest = rest[nameLen+17:]
		entries = append(entries, DirEntry{Name: name, IsDir: isDir, Size: size, ModTime: time.Unix(mtime, 0)})
	}
	return entries, version, nil
}

func (r *RemoteArchive) History(p string) ([]int64, error) {
	status, body, err := r.call(opHistory, encodePath(p))
	if err != nil {
		return nil, err
	}
	if status != statusOK {
		return nil, fmt.Errorf("archive: remote history %s: status %d", p, status)
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("archive: short history response")
	}
	count := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	versions := make([]int64, 0, count)
	for i := uint32(0); i < count && len(rest) >= 8; i++ {
		versions = append(versions, int64(binary.BigEndian.Uint64(rest[0:8])))
		rest = rest[8:]
	}
	return versions, nil
}

func (r *RemoteArchive) WriteFile(p string, data []byte) (int64, error) {
	payload := encodePath(p)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	payload = append(payload, lenBuf...)
	payload = append(payload, data...)

	status, body, err := r.call(opWrite, payload)
	if err != nil {
		return 0, err
	}
	return parseVersionedOK(status, body, "write", p)
}

func (r *RemoteArchive) Mkdir(p string) (int64, error) {
	status, body, err := r.call(opMkdir, encodePath(p))
	if err != nil {
		return 0, err
	}
	return parseVersionedOK(status, body, "mkdir", p)
}

func (r *RemoteArchive) Unlink(p string) (int64, error) {
	status, body, err := r.call(opUnlink, encodePath(p))
	if err != nil {
		return 0, err
	}
	return parseVersionedOK(status, body, "unlink", p)
}

func (r *RemoteArchive) Rmdir(p string) (int64, error) {
	status, body, err := r.call(opRmdir, encodePath(p))
	if err != nil {
		return 0, err
	}
	return parseVersionedOK(status, body, "rmdir", p)
}

func (r *RemoteArchive) Version() int64 {
	info, err := r.Stat("/")
	if err != nil {
		return 0
	}
	return info.Version
}

func parseVersionedOK(status byte, body []byte, op, p string) (int64, error) {
	if status != statusOK {
		return 0, fmt.Errorf("archive: remote %s %s: status %d", op, p, status)
	}
	if len(body) < 8 {
		return 0, fmt.Errorf("archive: short %s response", op)
	}
	return int64(binary.BigEndian.Uint64(body[0:8])), nil
}
