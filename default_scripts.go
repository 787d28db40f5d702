package bgatt

import _ "embed"

// DemoScript scans, connects and prints device information.
//
//go:embed examples/demo.lua
var DemoScript string

// UartScript exercises a Nordic UART echo.
//
//go:embed examples/uart.lua
var UartScript string
