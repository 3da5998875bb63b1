package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flowrift/hwq"
	"github.com/flowrift/hwq/config"
	"github.com/flowrift/hwq/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	transport := flag.String("transport", "rc", "Transport type to size for: rc, uc, ud, raw_packet")
	sendDepth := flag.Uint("send", 128, "Requested send queue depth")
	recvDepth := flag.Uint("recv", 128, "Requested receive queue depth")
	sendSGE := flag.Uint("send-sge", 4, "Requested send scatter/gather entries")
	recvSGE := flag.Uint("recv-sge", 4, "Requested receive scatter/gather entries")
	inline := flag.Uint("inline", 0, "Requested inline data budget in bytes")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			util.NewContextualError("Failed to load config", map[string]any{"path": *configPath}, err).Log(l)
			os.Exit(1)
		}
		if err := hwq.ConfigLogger(l, c); err != nil {
			util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
			os.Exit(1)
		}
		if err := hwq.StartStats(l, c, Build); err != nil {
			util.LogWithContextIfNeeded("Failed to start stats emission", err, l)
			os.Exit(1)
		}
	}

	t, err := parseTransport(*transport)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	caps := hwq.QueueCaps{
		MaxSendElems:  uint32(*sendDepth),
		MaxRecvElems:  uint32(*recvDepth),
		MaxSendSGE:    uint32(*sendSGE),
		MaxRecvSGE:    uint32(*recvSGE),
		MaxInlineData: uint32(*inline),
	}

	layout, err := hwq.InspectLayout(c, t, &caps)
	if err != nil {
		util.LogWithContextIfNeeded("Layout is not satisfiable", err, l)
		os.Exit(1)
	}

	fmt.Printf("transport:          %s\n", t)
	fmt.Printf("send elements:      %d (stride %d, %d bytes at offset %d)\n",
		layout.SendElems, layout.SendStride, layout.SendBytes, layout.SendOffset)
	fmt.Printf("recv elements:      %d (stride %d, %d bytes)\n",
		layout.RecvElems, layout.RecvStride, layout.RecvBytes)
	fmt.Printf("actual inline:      %d bytes\n", caps.MaxInlineData)
	fmt.Printf("combined buffer:    %d bytes\n", layout.TotalBytes)

	os.Exit(0)
}

func parseTransport(s string) (hwq.Transport, error) {
	switch s {
	case "rc":
		return hwq.TransportRC, nil
	case "uc":
		return hwq.TransportUC, nil
	case "ud":
		return hwq.TransportUD, nil
	case "raw_packet":
		return hwq.TransportRawPacket, nil
	}
	return 0, fmt.Errorf("unknown transport %q", s)
}
