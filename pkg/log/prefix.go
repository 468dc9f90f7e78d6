package log

// Prefixed wraps a Logger so that every message carries a subsystem
// tag, e.g. "[transfer] upload progress: 50%".
func Prefixed(l Logger, subsystem string) Logger {
	return &prefixed{l: l, tag: "[" + subsystem + "] "}
}

type prefixed struct {
	l   Logger
	tag string
}

func (p *prefixed) Infof(format string, args ...interface{}) {
	p.l.Infof(p.tag+format, args...)
}

func (p *prefixed) Errorf(format string, args ...interface{}) {
	p.l.Errorf(p.tag+format, args...)
}

func (p *prefixed) Debugf(format string, args ...interface{}) {
	p.l.Debugf(p.tag+format, args...)
}

func (p *prefixed) Fatal(str string) {
	p.l.Fatal(p.tag + str)
}
