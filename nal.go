package avenc

import "encoding/binary"

// H.264 NAL unit types
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeEOS   = 10
)

// H.265 NAL unit types
const (
	hevcNalVPS = 32
	hevcNalSPS = 33
	hevcNalPPS = 34
)

// parseAnnexBNALUnits splits an Annex B stream on 3- and 4-byte start codes.
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		n := 0
		switch {
		case i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1:
			n = 4
		case i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1:
			n = 3
		default:
			continue
		}
		if start >= 0 && i > start {
			nalUnits = append(nalUnits, data[start:i])
		}
		start = i + n
		i += n - 1
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}

// nalType returns the unit type of a NAL for the given codec.
func nalType(codec CodecID, nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	if codec == CodecH265 {
		return int(nalu[0]>>1) & 0x3f
	}
	return int(nalu[0] & 0x1f)
}

// isParameterSet reports whether nalu is an SPS, PPS or (H.265) VPS.
func isParameterSet(codec CodecID, nalu []byte) bool {
	t := nalType(codec, nalu)
	if codec == CodecH265 {
		return t == hevcNalVPS || t == hevcNalSPS || t == hevcNalPPS
	}
	return t == nalTypeSPS || t == nalTypePPS
}

// annexBToAVCC rewrites start codes as 4-byte big-endian lengths, dropping
// parameter sets, which travel in the decoder configuration record.
func annexBToAVCC(codec CodecID, data []byte) []byte {
	var out []byte
	for _, nalu := range parseAnnexBNALUnits(data) {
		if isParameterSet(codec, nalu) {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord from the SPS and
// PPS found in an Annex B buffer. It returns nil if either is missing.
func avcDecoderConfig(data []byte) []byte {
	var sps, pps [][]byte
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch nalType(CodecH264, nalu) {
		case nalTypeSPS:
			sps = append(sps, nalu)
		case nalTypePPS:
			pps = append(pps, nalu)
		}
	}
	if len(sps) == 0 || len(pps) == 0 || len(sps[0]) < 4 {
		return nil
	}

	out := []byte{1, sps[0][1], sps[0][2], sps[0][3], 0xff, 0xe0 | byte(len(sps))}
	for _, s := range sps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
		out = append(out, s...)
	}
	out = append(out, byte(len(pps)))
	for _, p := range pps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// hevcDecoderConfig builds a minimal HEVCDecoderConfigurationRecord carrying
// the VPS, SPS and PPS arrays. Profile fields are left at their defaults.
func hevcDecoderConfig(data []byte) []byte {
	arrays := map[int][][]byte{}
	for _, nalu := range parseAnnexBNALUnits(data) {
		if t := nalType(CodecH265, nalu); t == hevcNalVPS || t == hevcNalSPS || t == hevcNalPPS {
			arrays[t] = append(arrays[t], nalu)
		}
	}
	if len(arrays[hevcNalSPS]) == 0 || len(arrays[hevcNalPPS]) == 0 {
		return nil
	}

	out := make([]byte, 22)
	out[0] = 1
	out[21] = 3 // lengthSizeMinusOne
	order := []int{hevcNalVPS, hevcNalSPS, hevcNalPPS}
	var present byte
	for _, t := range order {
		if len(arrays[t]) > 0 {
			present++
		}
	}
	out = append(out, present)
	for _, t := range order {
		if len(arrays[t]) == 0 {
			continue
		}
		out = append(out, 0x80|byte(t))
		out = binary.BigEndian.AppendUint16(out, uint16(len(arrays[t])))
		for _, n := range arrays[t] {
			out = binary.BigEndian.AppendUint16(out, uint16(len(n)))
			out = append(out, n...)
		}
	}
	return out
}
