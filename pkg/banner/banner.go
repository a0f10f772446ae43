package banner

import (
	"fmt"
	"strings"
)

const banner = `
 ██████╗ ██╗   ██╗███████╗███████╗████████╗██╗  ██╗██╗   ██╗██████╗
██╔════╝ ██║   ██║██╔════╝██╔════╝╚══██╔══╝██║  ██║██║   ██║██╔══██╗
██║  ███╗██║   ██║█████╗  ███████╗   ██║   ███████║██║   ██║██████╔╝
██║   ██║██║   ██║██╔══╝  ╚════██║   ██║   ██╔══██║██║   ██║██╔══██╗
╚██████╔╝╚██████╔╝███████╗███████║   ██║   ██║  ██║╚██████╔╝██████╔╝
 ╚═════╝  ╚═════╝ ╚══════╝╚══════╝   ╚═╝   ╚═╝  ╚═╝ ╚═════╝ ╚═════╝
`

// Print writes the startup banner with the effective listen address, DB
// path and enabled channels.
func Print(addr, dbPath string, channels []string, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if len(channels) > 0 {
		fmt.Printf("Channels: %s\n", strings.Join(channels, ", "))
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/webhooks/{channel}       - Provider webhook ingress")
	fmt.Println("GET  /v1/threads?status=<s>       - List conversation threads")
	fmt.Println("POST /v1/threads/{id}/reply       - Send a staff reply")
	fmt.Println("GET  /v1/ws/console               - Console update stream")
	fmt.Println("GET  /v1/ws/webchat               - Guest webchat socket")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -H 'X-API-Key: <console-key>' 'http://localhost%s/v1/threads?status=OPEN'\n", addr)
	fmt.Printf("curl -X POST 'http://localhost%s/v1/webhooks/webchat' -d '{\"session_id\":\"s1\",\"message\":\"hello\"}'\n", addr)
}
