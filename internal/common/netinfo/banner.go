package netinfo

import (
	"fmt"
)

func PrintAccessBanner(a Advertised, serviceName string, httpPort, punchPort, relayPort int) {
	fmt.Println("╔══════════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-72s ║\n", serviceName)
	fmt.Println("╟──────────────────────────────────────────────────────────────────────────╢")
	fmt.Printf("║ HTTP:   http://%-57s ║\n", fmt.Sprintf("%s:%d", a.PublicHost, httpPort))
	fmt.Printf("║ Punch:  udp://%-58s ║\n", fmt.Sprintf("%s:%d", a.PublicHost, punchPort))
	fmt.Printf("║ Relay:  udp://%-58s ║\n", fmt.Sprintf("%s:%d", a.PublicHost, relayPort))
	if a.LANHost != "" && a.LANHost != a.PublicHost {
		fmt.Printf("║ LAN:    %-64s ║\n", a.LANHost)
	}
	fmt.Printf("║ Source: %-64s ║\n", a.Source)
	for _, note := range a.Notes {
		for _, line := range wrapText(note, 66) {
			fmt.Printf("║ Note: %-66s ║\n", line)
		}
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════════════╝")
}

func wrapText(text string, width int) []string {
	if len(text) <= width {
		return []string{text}
	}
	var lines []string
	for len(text) > width {
		lines = append(lines, text[:width])
		text = text[width:]
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
