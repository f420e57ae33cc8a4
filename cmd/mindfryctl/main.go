// Command mindfryctl is a thin MFBP console client: it dials mindfryd over
// TCP, reads lines from an interactive prompt (or a single one-shot command
// from argv), frames each as a request, and prints the decoded response.
// Grounded on cmd/agsh/main.go's readline-based REPL.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/wire"
)

func main() {
	addr := os.Getenv("MINDFRY_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9527"
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if len(os.Args) > 1 {
		line := strings.Join(os.Args[1:], " ")
		runLine(conn, line)
		return
	}
	runREPL(conn)
}

func runREPL(conn net.Conn) {
	fmt.Println("\033[1m\033[36mmindfryctl\033[0m — type a command, exit/Ctrl-D to quit")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>\033[0m ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runLine(conn, line)
	}
}

// runLine parses one command line of the form "OP arg1 arg2 ..." and prints
// the server's response. A minimal grammar covering most of the opcode table
// (spec §6) — not a full query language (spec's explicit non-goal). TOP_K,
// FREEZE, PHYSICS_TUNE, SUBSCRIBE and UNSUBSCRIBE are not encoded and report
// "unknown command".
func runLine(conn net.Conn, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	op := strings.ToUpper(fields[0])
	args := fields[1:]

	frame, err := encodeRequest(op, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		return
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		return
	}
	printResponse(op, resp)
}

func encodeRequest(op string, args []string) (wire.Frame, error) {
	switch op {
	case "CREATE":
		if len(args) < 1 {
			return wire.Frame{}, fmt.Errorf("usage: create <key> [energy] [threshold] [decay]")
		}
		var buf []byte
		buf = wire.PutString(buf, args[0])
		buf = wire.PutFloat32(buf, argFloat(args, 1, 0.5))
		buf = wire.PutFloat32(buf, argFloat(args, 2, 0.1))
		buf = wire.PutFloat32(buf, argFloat(args, 3, 0.01))
		return wire.Frame{Opcode: wire.OpCreate, Payload: buf}, nil
	case "GET":
		if len(args) < 1 {
			return wire.Frame{}, fmt.Errorf("usage: get <key>")
		}
		return wire.Frame{Opcode: wire.OpGet, Payload: wire.PutString(nil, args[0])}, nil
	case "STIMULATE":
		if len(args) < 2 {
			return wire.Frame{}, fmt.Errorf("usage: stimulate <key> <delta>")
		}
		buf := wire.PutString(nil, args[0])
		buf = wire.PutFloat32(buf, argFloat(args, 1, 0))
		return wire.Frame{Opcode: wire.OpStimulate, Payload: buf}, nil
	case "FORGET":
		return keyFrame(wire.OpForget, args)
	case "TOUCH":
		return keyFrame(wire.OpTouch, args)
	case "CONNECT":
		if len(args) < 3 {
			return wire.Frame{}, fmt.Errorf("usage: connect <from> <to> <strength> [polarity]")
		}
		buf := wire.PutString(nil, args[0])
		buf = wire.PutString(buf, args[1])
		buf = wire.PutFloat32(buf, argFloat(args, 2, 1))
		buf = append(buf, byte(argInt(args, 3, 1)))
		buf = append(buf, 0)
		buf = wire.PutFloat32(buf, argFloat(args, 4, 0.01))
		return wire.Frame{Opcode: wire.OpConnect, Payload: buf}, nil
	case "REINFORCE":
		if len(args) < 2 {
			return wire.Frame{}, fmt.Errorf("usage: reinforce <from> <to>")
		}
		buf := wire.PutString(nil, args[0])
		buf = wire.PutString(buf, args[1])
		return wire.Frame{Opcode: wire.OpReinforce, Payload: buf}, nil
	case "SEVER":
		if len(args) < 2 {
			return wire.Frame{}, fmt.Errorf("usage: sever <from> <to>")
		}
		buf := wire.PutString(nil, args[0])
		buf = wire.PutString(buf, args[1])
		return wire.Frame{Opcode: wire.OpSever, Payload: buf}, nil
	case "NEIGHBORS":
		return keyFrame(wire.OpNeighbors, args)
	case "CONSCIOUS":
		return topKFrame(wire.OpConscious, args)
	case "TRAUMA":
		var buf []byte
		buf = binary.LittleEndian.AppendUint16(buf, uint16(argInt(args, 0, 10)))
		return wire.Frame{Opcode: wire.OpTrauma, Payload: buf}, nil
	case "PATTERN":
		if len(args) < 1 {
			return wire.Frame{}, fmt.Errorf("usage: pattern <glob>")
		}
		return wire.Frame{Opcode: wire.OpPattern, Payload: wire.PutString(nil, args[0])}, nil
	case "PING":
		return wire.Frame{Opcode: wire.OpPing}, nil
	case "STATS":
		return wire.Frame{Opcode: wire.OpStats}, nil
	case "SNAPSHOT":
		return wire.Frame{Opcode: wire.OpSnapshot}, nil
	case "RESTORE":
		return wire.Frame{Opcode: wire.OpRestore}, nil
	case "SYS_MOOD_SET":
		if len(args) < 1 {
			return wire.Frame{}, fmt.Errorf("usage: sys_mood_set <mood>")
		}
		return wire.Frame{Opcode: wire.OpSysMoodSet, Payload: wire.PutFloat32(nil, argFloat(args, 0, 0))}, nil
	default:
		return wire.Frame{}, fmt.Errorf("unknown command %q", op)
	}
}

func keyFrame(op wire.Opcode, args []string) (wire.Frame, error) {
	if len(args) < 1 {
		return wire.Frame{}, fmt.Errorf("usage: <op> <key>")
	}
	return wire.Frame{Opcode: op, Payload: wire.PutString(nil, args[0])}, nil
}

func topKFrame(op wire.Opcode, args []string) (wire.Frame, error) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, uint16(argInt(args, 0, 10)))
	buf = wire.PutFloat32(buf, argFloat(args, 1, 0))
	return wire.Frame{Opcode: op, Payload: buf}, nil
}

func argFloat(args []string, i int, def float32) float32 {
	if i >= len(args) {
		return def
	}
	v, err := strconv.ParseFloat(args[i], 32)
	if err != nil {
		return def
	}
	return float32(v)
}

func argInt(args []string, i int, def int) int {
	if i >= len(args) {
		return def
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return def
	}
	return v
}

func printResponse(op string, resp wire.Response) {
	if resp.Status == wire.StatusError {
		code := mferr.Code(0)
		if len(resp.Payload) > 0 {
			code = mferr.Code(resp.Payload[0])
		}
		fmt.Printf("error: code=0x%02x\n", byte(code))
		return
	}
	fmt.Printf("status=%s", statusName(resp.Status))
	if len(resp.Payload) > 0 {
		fmt.Printf(" payload=%s", formatPayload(op, resp.Payload))
	}
	fmt.Println()
}

func statusName(s wire.Status) string {
	switch s {
	case wire.StatusFound:
		return "found"
	case wire.StatusNotFound:
		return "not_found"
	case wire.StatusRepressed:
		return "repressed"
	case wire.StatusDormant:
		return "dormant"
	case wire.StatusWarmingUp:
		return "warming_up"
	default:
		return "error"
	}
}

// formatPayload renders a response payload well enough for interactive use;
// it does not attempt to fully decode every opcode's reply shape.
func formatPayload(op string, payload []byte) string {
	switch op {
	case "GET":
		if len(payload) < 9 {
			return fmt.Sprintf("% x", payload)
		}
		energy := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
		threshold := math.Float32frombits(binary.LittleEndian.Uint32(payload[4:8]))
		return fmt.Sprintf("derived_energy=%.4f threshold=%.4f consciousness=%d", energy, threshold, int8(payload[8]))
	case "STATS":
		if len(payload) < 19 {
			return fmt.Sprintf("% x", payload)
		}
		lineages := binary.LittleEndian.Uint32(payload[0:4])
		bonds := binary.LittleEndian.Uint32(payload[4:8])
		util := math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12]))
		mood := math.Float32frombits(binary.LittleEndian.Uint32(payload[14:18]))
		return fmt.Sprintf("lineages=%d bonds=%d utilization=%.3f exhaustion=%d mood=%.3f", lineages, bonds, util, payload[12], mood)
	default:
		return fmt.Sprintf("% x", payload)
	}
}
