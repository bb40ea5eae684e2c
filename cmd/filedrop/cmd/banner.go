package cmd

import (
	"fmt"
)

const banner = `
   __ _ _          _                 
  / _(_) | ___  __| |_ __ ___  _ __  
 | |_| | |/ _ \/ _` + "`" + ` | '__/ _ \| '_ \ 
 |  _| | |  __/ (_| | | | (_) | |_) |
 |_| |_|_|\___|\__,_|_|  \___/| .__/ 
                              |_|    
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Self-hosted File Drop - Version %s\x1b[0m\n\n", Version)
}
