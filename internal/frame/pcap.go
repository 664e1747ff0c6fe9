// PCAP-replay FrameSource: feeds a captured raw-frame stream back
// through the pipeline as a synthetic WFS feed, for the "dedicated
// simulation collaborator" spec §1 allows for when no live sensor is
// present. Grounded on the teacher's internal/lidar/network/pcap.go,
// adapted to use the pure-Go gopacket/pcapgo reader instead of the
// cgo-bound gopacket/pcap package so this adapter never requires a
// libpcap system library.
package frame

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPSource replays frames recorded in a pcap capture file. Each
// captured UDP payload is decoded as a little-endian (width uint32,
// height uint32, bpp uint16) header followed by width*height samples
// (one byte if bpp<=8, two bytes little-endian otherwise). Each UDP
// datagram on udpPort is decoded as one frame. It loops back to the
// start of the file when exhausted so a CLOSED-loop soak test can run
// indefinitely against a short capture.
type PCAPSource struct {
	Path    string
	UDPPort int
	Loop    bool

	mu      sync.Mutex
	file    *os.File
	reader  *pcapgo.Reader
	started bool
	seq     uint64
}

func NewPCAPSource(path string, udpPort int) *PCAPSource {
	return &PCAPSource{Path: path, UDPPort: udpPort, Loop: true}
}

func (p *PCAPSource) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("frame: open pcap %s: %w", p.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("frame: pcap header %s: %w", p.Path, err)
	}
	p.file = f
	p.reader = r
	p.started = true
	return nil
}

func (p *PCAPSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	err := p.file.Close()
	p.file = nil
	p.reader = nil
	return err
}

func (p *PCAPSource) Acquire(ctx context.Context, timeout time.Duration) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, ErrTimeout
	}
	for {
		data, _, err := p.reader.ReadPacketData()
		if err == io.EOF {
			if !p.Loop {
				return nil, ErrTimeout
			}
			if err := p.rewindLocked(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("frame: read packet: %w", err)
		}
		payload, ok := udpPayload(data, p.UDPPort)
		if !ok {
			continue
		}
		f, err := decodePCAPFrame(payload)
		if err != nil {
			continue
		}
		p.seq++
		f.Seq = p.seq
		f.At = time.Now()
		return f, nil
	}
}

func (p *PCAPSource) rewindLocked() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("frame: rewind pcap: %w", err)
	}
	r, err := pcapgo.NewReader(p.file)
	if err != nil {
		return fmt.Errorf("frame: pcap header on rewind: %w", err)
	}
	p.reader = r
	return nil
}

func udpPayload(data []byte, port int) ([]byte, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || int(udp.DstPort) != port {
		return nil, false
	}
	return udp.Payload, true
}

func decodePCAPFrame(payload []byte) (*Frame, error) {
	if len(payload) < 10 {
		return nil, fmt.Errorf("frame: pcap payload too short (%d bytes)", len(payload))
	}
	w := int(binary.LittleEndian.Uint32(payload[0:4]))
	h := int(binary.LittleEndian.Uint32(payload[4:8]))
	bpp := int(binary.LittleEndian.Uint16(payload[8:10]))
	body := payload[10:]
	pix := make([]uint16, w*h)
	if bpp <= 8 {
		if len(body) < w*h {
			return nil, fmt.Errorf("frame: pcap payload truncated: want %d got %d", w*h, len(body))
		}
		for i := 0; i < w*h; i++ {
			pix[i] = uint16(body[i])
		}
	} else {
		if len(body) < 2*w*h {
			return nil, fmt.Errorf("frame: pcap payload truncated: want %d got %d", 2*w*h, len(body))
		}
		for i := 0; i < w*h; i++ {
			pix[i] = binary.LittleEndian.Uint16(body[2*i : 2*i+2])
		}
	}
	return &Frame{W: w, H: h, D: bpp, Pix: pix}, nil
}
