package conf

type Bootstrap struct {
	Server *Server `json:"server"`
	Radar  *Radar  `json:"radar"`
}

type Server struct {
	Http *HTTP `json:"http"`
}

type HTTP struct {
	Addr    string `json:"addr"`
	Timeout string `json:"timeout"`
}

// Radar 指向核心配置文件；Scheduler 为 true 时随服务启动定时抓取
type Radar struct {
	ConfigPath string `json:"config_path"`
	Scheduler  bool   `json:"scheduler"`
}
