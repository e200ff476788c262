// Command dcsd is the control daemon of a printer's single board computer.
package main

import "github.com/printhost/dcs/cmd/dcsd/cmd"

func main() {
	cmd.Execute()
}
