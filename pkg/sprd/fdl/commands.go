package fdl

// BSL frame type codes (spec §4.6 "BSL command taxonomy").
const (
	CmdConnect       uint16 = 0x0000
	CmdStartData     uint16 = 0x0001
	CmdMidstData     uint16 = 0x0002
	CmdEndData       uint16 = 0x0003
	CmdExecData      uint16 = 0x0004
	CmdReadFlash     uint16 = 0x0005
	CmdEraseFlash    uint16 = 0x0009
	CmdReadChipType  uint16 = 0x000D
	CmdReadPartition uint16 = 0x0013
	CmdRepartition   uint16 = 0x0016
	CmdPowerOff      uint16 = 0x000A
	CmdNormalReset   uint16 = 0x000B
	CmdReadNV        uint16 = 0x0021
	CmdWriteNV       uint16 = 0x0022

	RespAck         uint16 = 0x8001
	RespNack        uint16 = 0x8002
)

// midstChunkSize is the max payload of one MIDST_DATA packet during
// stage upload (spec §4.6 "≤2KB packets").
const midstChunkSize = 2048
