package nfc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Type 2 / NTAG21x commands.
const (
	cmdGetVersion byte = 0x60
	cmdRead       byte = 0x30
	cmdWrite      byte = 0xA2
	cmdPwdAuth    byte = 0x1B

	ackNibble       = 0x0A
	authDisabled    = 0xFF
	cfgProtBit      = 0x80
	ultralightBytes = 48
	maxPages        = 256
)

var (
	errPageOutOfRange  = errors.New("page out of range")
	errAlreadyNDEF     = errors.New("tag already carries an NDEF capability container")
	errForeignCC       = errors.New("capability container holds non-NDEF data")
	errUnexpectedReply = errors.New("unexpected tag reply")
)

// ntagModel describes the memory map of one NTAG21x variant.
type ntagModel struct {
	Name      string
	UserBytes int
	CFG0      byte // CFG1, PWD and PACK follow on consecutive pages
}

func (m ntagModel) cfg1Page() byte { return m.CFG0 + 1 }
func (m ntagModel) pwdPage() byte  { return m.CFG0 + 2 }
func (m ntagModel) packPage() byte { return m.CFG0 + 3 }

// ntagModels is keyed by the storage size byte of the GET_VERSION reply.
var ntagModels = map[byte]ntagModel{
	0x0F: {Name: "NTAG213", UserBytes: 144, CFG0: 0x29},
	0x11: {Name: "NTAG215", UserBytes: 504, CFG0: 0x83},
	0x13: {Name: "NTAG216", UserBytes: 888, CFG0: 0xE3},
}

// readPages issues READ, which returns four pages starting at page.
func readPages(ctx context.Context, tr Transceiver, page byte) ([]byte, error) {
	resp, err := tr.Transceive(ctx, []byte{cmdRead, page})
	if err != nil {
		return nil, err
	}
	if len(resp) == 1 {
		return nil, fmt.Errorf("read page %d: %w", page, errPageOutOfRange)
	}
	if len(resp) < 4*ultralightPageSize {
		return nil, fmt.Errorf("read page %d: short reply of %d bytes: %w", page, len(resp), errUnexpectedReply)
	}
	return resp[:4*ultralightPageSize], nil
}

// writePage issues WRITE for one page. Readers that swallow the ACK return
// an empty reply.
func writePage(ctx context.Context, tr Transceiver, page byte, data [4]byte) error {
	cmd := append([]byte{cmdWrite, page}, data[:]...)
	resp, err := tr.Transceive(ctx, cmd)
	if err != nil {
		return err
	}
	if len(resp) > 0 && resp[0]&0x0F != ackNibble {
		return fmt.Errorf("write page %d: NAK 0x%02X: %w", page, resp[0], errUnexpectedReply)
	}
	return nil
}

// getVersion identifies NTAG21x tags. ok is false for anything else,
// including tags that do not answer GET_VERSION.
func getVersion(ctx context.Context, tr Transceiver) (ntagModel, bool) {
	resp, err := tr.Transceive(ctx, []byte{cmdGetVersion})
	if err != nil || len(resp) < 8 || resp[2] != 0x04 {
		return ntagModel{}, false
	}
	model, ok := ntagModels[resp[6]]
	return model, ok
}

func page4(b []byte) [4]byte {
	var p [4]byte
	copy(p[:], b)
	return p
}

// readUltralightNDEF reads user memory four pages at a time until the NDEF
// TLV is complete. Each read is retried a bounded number of times; an
// out-of-range or persistent I/O error ends the scan with what was read.
func (e *Engine) readUltralightNDEF(s *opScope, tr Transceiver) ([]byte, error) {
	limit := maxPages
	if s.tag.MaxSize > 0 {
		limit = ultralightUserPageStart + (s.tag.MaxSize+ultralightPageSize-1)/ultralightPageSize
	}
	retryable := func(err error) bool { return !errors.Is(err, errPageOutOfRange) }

	var area []byte
	for page := ultralightUserPageStart; page < limit && page < maxPages; page += 4 {
		var chunk []byte
		_, err := e.retry(s, "ultralight_read", e.policy.UltralightReadRetries, retryable, func() error {
			var rerr error
			chunk, rerr = readPages(s.ctx, tr, byte(page))
			return rerr
		})
		if err != nil {
			if s.ctx.Err() != nil || page == ultralightUserPageStart {
				return nil, err
			}
			s.step("ultralight_read_stopped", map[string]any{"page": page, "error": err.Error()})
			break
		}
		area = append(area, chunk...)
		if value, found, complete := TLVFindNDEF(area); complete {
			s.step("ultralight_read", map[string]any{"bytes": len(area), "found": found})
			return value, nil
		}
	}

	if _, found, _ := TLVFindNDEF(area); found {
		return nil, NewError(CategoryInvalidData, "ReadPages", "NDEF TLV runs past readable memory", nil)
	}
	s.step("ultralight_read", map[string]any{"bytes": len(area), "found": false})
	return nil, nil
}

// formatUltralight writes an empty NDEF TLV and then the capability
// container on a blank tag. The container is one-time programmable, so it
// goes last.
func (e *Engine) formatUltralight(s *opScope, tr Transceiver) error {
	head, err := readPages(s.ctx, tr, ultralightCCPage)
	if err != nil {
		return platformError("ReadPages", err, CategoryReadFailed)
	}
	cc := head[:ultralightPageSize]
	if cc[0] == ndefMagic {
		return errAlreadyNDEF
	}
	if !bytes.Equal(cc, make([]byte, ultralightPageSize)) {
		return errForeignCC
	}

	size := s.tag.MaxSize
	if model, ok := getVersion(s.ctx, tr); ok {
		size = model.UserBytes
	}
	if size <= 0 {
		size = ultralightBytes
	}

	if err := writePage(s.ctx, tr, ultralightUserPageStart, emptyNDEFArea()); err != nil {
		return platformError("WritePage", err, CategoryWriteFailed)
	}
	if err := writePage(s.ctx, tr, ultralightCCPage, capabilityContainer(size)); err != nil {
		return platformError("WritePage", err, CategoryWriteFailed)
	}
	s.step("formatted_raw", map[string]any{"data_size": size})
	return nil
}
