package ursa

// Acquisition data arrives as 3-byte frames: a 0xFF sync byte, then a 4-bit
// count and 12 bits of energy. A zero count marks a 10-bit battery voltage
// reading instead of a pulse.

const frameSync = 0xff

// spectrumBins is the number of histogram bins the instrument reports into.
const spectrumBins = 4096

type pulseFrame struct {
	Battery bool
	Value   uint16 // energy bin index, or raw battery reading when Battery
	Count   uint8  // bin increment; zero for battery frames
}

// decodeFrames parses complete frames out of data. It returns the decoded
// frames, the unconsumed trailing bytes (a partial frame, kept for the next
// read), and the number of bytes dropped while hunting for sync.
func decodeFrames(data []byte) (frames []pulseFrame, rest []byte, dropped int) {
	for len(data) >= 3 {
		if data[0] != frameSync {
			// Drop bytes until the next sync marker.
			i := 1
			for i < len(data) && data[i] != frameSync {
				i++
			}
			dropped += i
			data = data[i:]
			continue
		}

		char1, char2 := data[1], data[2]
		data = data[3:]

		count := char1 >> 2
		value := uint16(char1&0x03)<<8 | uint16(char2)

		if count == 0 {
			frames = append(frames, pulseFrame{Battery: true, Value: value})
		} else {
			frames = append(frames, pulseFrame{Value: value, Count: count >> 2})
		}
	}
	return frames, data, dropped
}

// batteryVolts converts a raw 10-bit battery reading to volts.
func batteryVolts(raw uint16) float64 {
	return float64(raw) * 12 / 1024
}
