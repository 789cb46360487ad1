package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"humanoid-engine/binlog"
	"humanoid-engine/server"
)

const maxMismatches = 10

func main() {
	app := &cli.App{
		Name:      "verify_pcap",
		Usage:     "count the frames in a recording, or compare an original with its replayed capture",
		ArgsUsage: "<original.pcap> [replayed.pcap]",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "verify_pcap:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return cli.Exit("usage: verify_pcap <original> [replayed]", 2)
	}
	pkts1, err := readPackets(c.Args().Get(0))
	if err != nil {
		return err
	}
	census(c.Args().Get(0), pkts1)
	if c.NArg() == 1 {
		return nil
	}

	pkts2, err := readPackets(c.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Printf("Original packets: %d\n", len(pkts1))
	fmt.Printf("Replayed packets: %d\n", len(pkts2))

	mismatches := 0
	for i := 0; i < min(len(pkts1), len(pkts2)); i++ {
		if !bytes.Equal(pkts1[i], pkts2[i]) {
			fmt.Printf("Mismatch at packet %d: len1=%d len2=%d\n", i, len(pkts1[i]), len(pkts2[i]))
			mismatches++
			if mismatches > maxMismatches {
				fmt.Println("Too many mismatches, stopping.")
				break
			}
		}
	}
	if len(pkts1) != len(pkts2) {
		fmt.Printf("Count mismatch: %d vs %d\n", len(pkts1), len(pkts2))
		mismatches++
	}
	if mismatches > 0 {
		return cli.Exit("FAILURE: mismatches found", 1)
	}
	fmt.Println("SUCCESS: all payloads match.")
	return nil
}

// census prints how many frames of each type the packets carry.
func census(path string, pkts [][]byte) {
	counts := map[string]int{}
	skipped := 0
	for _, p := range pkts {
		_, s := server.Scan(p, func(h server.Header, _ []byte) { counts[server.TypeName(h.Type)]++ })
		skipped += s
	}
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Printf("%s: %d packets, %d bytes skipped\n", path, len(pkts), skipped)
	for _, n := range names {
		fmt.Printf("  %-16s %d\n", n, counts[n])
	}
}

func readPackets(path string) ([][]byte, error) {
	r, err := binlog.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var packets [][]byte
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return packets, nil
		}
		if err != nil {
			return nil, err
		}
		packets = append(packets, rec.Payload)
	}
}
