package usbip

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

// Command is one decoded client request. Exactly one of the concrete
// types below is returned per ReadCommand call.
type Command interface {
	command()
}

// OpReqDevlist asks for the list of exportable devices.
type OpReqDevlist struct {
	Status uint32
}

// OpReqImport claims the device with the given NUL-padded bus id.
type OpReqImport struct {
	Status uint32
	BusID  [32]byte
}

// CmdSubmit carries one URB. Data is only populated for OUT transfers.
type CmdSubmit struct {
	Header               HeaderBasic
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
	Data                 []byte
}

// CmdUnlink asks to cancel the in-flight URB with the given seqnum.
type CmdUnlink struct {
	Header       HeaderBasic
	UnlinkSeqnum uint32
}

func (OpReqDevlist) command() {}
func (OpReqImport) command()  {}
func (CmdSubmit) command()    {}
func (CmdUnlink) command()    {}

// ReadCommand decodes the next client message from r. The two message
// families share no common frame: control-phase messages open with the
// 16-bit protocol version, data-phase messages with a 32-bit command
// code whose upper half is zero. The first 32 bits disambiguate.
func ReadCommand(r io.Reader) (Command, error) {
	var first uint32
	if err := binary.Read(r, binary.BigEndian, &first); err != nil {
		return nil, err
	}

	if uint16(first>>16) == protocolVersion {
		return readOpCommand(r, uint16(first))
	}
	return readURBCommand(r, first)
}

func readOpCommand(r io.Reader, code uint16) (Command, error) {
	var status uint32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return nil, err
	}
	switch code {
	case opReqDevlist:
		return &OpReqDevlist{Status: status}, nil
	case opReqImport:
		req := &OpReqImport{Status: status}
		if _, err := io.ReadFull(r, req.BusID[:]); err != nil {
			return nil, err
		}
		return req, nil
	default:
		return nil, errors.Newf("unknown operation code 0x%04x", code)
	}
}

func readURBCommand(r io.Reader, command uint32) (Command, error) {
	hdr := HeaderBasic{Command: command}
	if err := binary.Read(r, binary.BigEndian, &hdr.Seqnum); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.DevID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Direction); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Endpoint); err != nil {
		return nil, err
	}

	switch command {
	case usbipCmdSubmit:
		var body cmdSubmitBody
		if err := binary.Read(r, binary.BigEndian, &body); err != nil {
			return nil, err
		}
		cmd := &CmdSubmit{
			Header:               hdr,
			TransferFlags:        body.TransferFlags,
			TransferBufferLength: body.TransferBufferLength,
			StartFrame:           body.StartFrame,
			NumberOfPackets:      body.NumberOfPackets,
			Interval:             body.Interval,
			Setup:                body.Setup,
		}
		if hdr.Direction == DirOut && body.TransferBufferLength > 0 {
			cmd.Data = make([]byte, body.TransferBufferLength)
			if _, err := io.ReadFull(r, cmd.Data); err != nil {
				return nil, err
			}
		}
		return cmd, nil
	case usbipCmdUnlink:
		var body cmdUnlinkBody
		if err := binary.Read(r, binary.BigEndian, &body); err != nil {
			return nil, err
		}
		return &CmdUnlink{Header: hdr, UnlinkSeqnum: body.UnlinkSeqnum}, nil
	default:
		return nil, errors.Newf("unknown command code 0x%08x", command)
	}
}

// Response is one server reply, encoded big-endian onto the wire.
type Response interface {
	Encode(w io.Writer) error
}

// DevlistResponse is OP_REP_DEVLIST.
type DevlistResponse struct {
	devices []*usb.Device
}

func opRepDevlistResponse(devices []*usb.Device) *DevlistResponse {
	return &DevlistResponse{devices: devices}
}

func (resp *DevlistResponse) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, header{Version: protocolVersion, Code: opRepDevlist}); err != nil {
		return errors.Wrap(err, "failed to write devlist reply header")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(resp.devices))); err != nil {
		return errors.Wrap(err, "failed to write devlist device count")
	}
	for _, d := range resp.devices {
		if err := binary.Write(w, binary.BigEndian, describeDevice(d)); err != nil {
			return errors.Wrapf(err, "failed to write devlist entry for %s", d.BusID)
		}
		for _, intf := range describeInterfaces(d) {
			if err := binary.Write(w, binary.BigEndian, intf); err != nil {
				return errors.Wrapf(err, "failed to write devlist interface for %s", d.BusID)
			}
		}
	}
	return nil
}

// ImportResponse is OP_REP_IMPORT. The device block is present only on
// success.
type ImportResponse struct {
	Status uint32
	device *deviceDescription
}

func opRepImportSuccess(d *usb.Device) *ImportResponse {
	desc := describeDevice(d)
	return &ImportResponse{device: &desc}
}

func opRepImportFail() *ImportResponse {
	return &ImportResponse{Status: importStatusError}
}

func (resp *ImportResponse) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, header{Version: protocolVersion, Code: opRepImport, Status: resp.Status}); err != nil {
		return errors.Wrap(err, "failed to write import reply header")
	}
	if resp.device == nil {
		return nil
	}
	if err := binary.Write(w, binary.BigEndian, *resp.device); err != nil {
		return errors.Wrap(err, "failed to write import reply device")
	}
	return nil
}

// SubmitResponse is USBIP_RET_SUBMIT. Data is attached for successful IN
// transfers; the iso packet list is always empty.
type SubmitResponse struct {
	Header       HeaderBasic
	Status       int32
	ActualLength uint32
	Data         []byte
}

func retSubmitSuccess(hdr HeaderBasic, actualLength uint32, data []byte) *SubmitResponse {
	return &SubmitResponse{Header: hdr, ActualLength: actualLength, Data: data}
}

func retSubmitFail(hdr HeaderBasic, status int32, actualLength uint32) *SubmitResponse {
	return &SubmitResponse{Header: hdr, Status: status, ActualLength: actualLength}
}

func (resp *SubmitResponse) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, resp.Header); err != nil {
		return errors.Wrap(err, "failed to write submit reply header")
	}
	body := retSubmitBody{Status: resp.Status, ActualLength: resp.ActualLength}
	if err := binary.Write(w, binary.BigEndian, body); err != nil {
		return errors.Wrap(err, "failed to write submit reply body")
	}
	if len(resp.Data) > 0 {
		if _, err := w.Write(resp.Data); err != nil {
			return errors.Wrap(err, "failed to write submit reply data")
		}
	}
	return nil
}

// UnlinkResponse is USBIP_RET_UNLINK.
type UnlinkResponse struct {
	Header HeaderBasic
	Status int32
}

func (resp *UnlinkResponse) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, resp.Header); err != nil {
		return errors.Wrap(err, "failed to write unlink reply header")
	}
	if err := binary.Write(w, binary.BigEndian, retUnlinkBody{Status: resp.Status}); err != nil {
		return errors.Wrap(err, "failed to write unlink reply body")
	}
	return nil
}
