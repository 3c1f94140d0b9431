// Command scpisniff is a passive diagnostic tool: it captures TCP segments
// on the configured SCPI port and prints their ASCII payloads, letting an
// operator watch command/response traffic on the wire without modifying
// scpid itself. Line fragmentation and reassembly are intentionally not
// attempted: each captured segment's payload is printed as received,
// mirroring the dispatcher's own single-recv-is-a-line non-goal.
//
// Grounded on the pcap.OpenLive/handle.ReadPacketData loop of
// _examples/sandia-minimega-minimega's src/bridge/capture.go, retargeted
// from "write a pcap file" to "decode and print TCP/IP layers live", using
// gopacket/layers the way _examples/gravwell-gravwell's ingesters decode
// captured packets.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var (
	fIface = flag.String("iface", "lo", "network interface to capture on")
	fPort  = flag.Uint("port", 5025, "SCPI port to filter on")
)

func main() {
	flag.Parse()

	handle, err := pcap.OpenLive(*fIface, 1600, true, time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scpisniff: %v\n", err)
		os.Exit(1)
	}
	defer handle.Close()

	filter := fmt.Sprintf("tcp port %d", *fPort)
	if err := handle.SetBPFFilter(filter); err != nil {
		fmt.Fprintf(os.Stderr, "scpisniff: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("capturing on %s, filter %q\n", *fIface, filter)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range src.Packets() {
		printPacket(packet)
	}
}

func printPacket(packet gopacket.Packet) {
	netLayer := packet.NetworkLayer()
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if netLayer == nil || tcpLayer == nil {
		return
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return
	}

	payload := tcp.Payload
	if len(payload) == 0 {
		return
	}

	src, dst := netLayer.NetworkFlow().Endpoints()
	fmt.Printf("%s:%d -> %s:%d  %q\n", src, tcp.SrcPort, dst, tcp.DstPort, string(payload))
}
