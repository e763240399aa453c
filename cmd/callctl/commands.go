package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/dense-identity/callctl/internal/callmanager"
)

func printUsage() {
	fmt.Println("Commands:")
	fmt.Println("  dial <uri>                 - Call uri from the default account")
	fmt.Println("  answer <callid>            - Answer an incoming call")
	fmt.Println("  hold|unhold <callid>       - Toggle hold")
	fmt.Println("  mute|unmute <callid>       - Toggle microphone")
	fmt.Println("  dtmf <callid> <digits>     - Send DTMF digits")
	fmt.Println("  transfer <callid> <uri>    - Blind transfer")
	fmt.Println("  hangup <callid>            - End a call")
	fmt.Println("  list                       - List calls")
	fmt.Println("  quit                       - Exit")
	fmt.Println("")
}

// commandLoop reads commands from stdin
func commandLoop(ctx context.Context, mgr *callmanager.Manager, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		need := func(n int, usage string) bool {
			if len(parts) < n {
				fmt.Println("Usage:", usage)
				return false
			}
			return true
		}

		switch cmd := strings.ToLower(parts[0]); cmd {
		case "dial":
			if !need(2, "dial <uri>") {
				continue
			}
			callID := uuid.NewString()
			mgr.InitiateCall(parts[1], "", "", "", callID, true)
			fmt.Printf("Dial started: call=%s\n", callID)

		case "answer":
			if need(2, "answer <callid>") {
				mgr.AnswerCall("", "", "", parts[1])
			}

		case "hold", "unhold":
			if need(2, cmd+" <callid>") {
				mgr.ToggleHold(parts[1], cmd == "hold")
			}

		case "mute", "unmute":
			if need(2, cmd+" <callid>") {
				mgr.ToggleMute(parts[1], cmd == "mute")
			}

		case "dtmf":
			if need(3, "dtmf <callid> <digits>") {
				mgr.SendDTMFTone(parts[1], parts[2])
			}

		case "transfer":
			if need(3, "transfer <callid> <uri>") {
				mgr.BlindTransferCall(parts[1], parts[2])
			}

		case "hangup":
			if need(2, "hangup <callid>") {
				mgr.EndCall(parts[1])
			}

		case "list":
			list, err := mgr.Snapshot(ctx)
			if err != nil {
				fmt.Printf("List failed: %v\n", err)
				continue
			}
			if len(list) == 0 {
				fmt.Println("No active calls")
				continue
			}
			fmt.Printf("Active calls (%d):\n", len(list))
			for _, c := range list {
				fmt.Printf("  - %s: %s (%s) state=%s held=%v muted=%v\n",
					c.ID, c.RemoteURI, c.Direction, c.StateName, c.Held, c.Muted)
			}

		case "quit", "exit":
			stop()
			return

		case "help":
			printUsage()

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}
