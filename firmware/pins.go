//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_MS = 1 // ADC read interval in milliseconds
	DEFAULT_WINDOW     = 1 // Samples per published average at boot, 1 = no averaging

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Drive configuration
	// One PWM counter tick is 100 ns, so the default period of 1024
	// ticks runs the generator at roughly 9.8 kHz.
	PWM_TICK_NS        = 100
	PWM_DEFAULT_PERIOD = 1024

	// Status LED: lit while the output stage is enabled
	PIN_LED = machine.LED

	// Sense and drive pins
	PIN_SENSE = machine.A1 // divider tap from the output stage
	PIN_DRIVE = machine.D2 // TCC0-capable pin, gates the generator

	// Serial configuration
	// Worst case request is a 9-coefficient upload: 38 bytes. The
	// largest response is 18 bytes. At 115200 baud 8N1 a full exchange
	// stays under 5 ms, well inside the host's exchange deadline.
	UART_BAUD_RATE = 115200
)
