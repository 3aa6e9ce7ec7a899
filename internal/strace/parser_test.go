package strace

import (
	"reflect"
	"testing"
	"time"
)

// Canonical bodies render back to themselves after a parse. This pins both
// directions of the grammar at once.
func TestRoundTrip(t *testing.T) {
	bodies := []string{
		`close(3) = 0 <0.000010>`,
		`exit_group(0) = ?`,
		`read(3</etc/hosts>, "127.0.0.1 local"..., 4096) = 15 <0.000050>`,
		`read(5</tmp/scratch (deleted)>, "abc", 3) = 3 <0.000021>`,
		`openat(AT_FDCWD, "/missing", O_RDONLY) = -1 ENOENT (No such file or directory) <0.000034>`,
		`openat(AT_FDCWD, "/etc/ld.so.cache", O_RDONLY|O_CLOEXEC|0x800) = 3</etc/ld.so.cache> <0.000018>`,
		`mmap(NULL, 8192, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0) = 0x7f3b2e9d3000 <0.000012>`,
		`umask(022) = 022 <0.000004>`,
		`rt_sigprocmask(SIG_BLOCK, ~[RTMIN RT_1], NULL, 8) = 0 <0.000006>`,
		`rt_sigaction(SIGINT, {sa_handler=SIG_DFL, sa_mask=[], sa_flags=SA_RESTORER, sa_restorer=0x7f3b2e85a090}, NULL, 8) = 0 <0.000007>`,
		`fstat(3, {st_mode=S_IFREG|0644, st_size=1234, ...}) = 0 <0.000009>`,
		`stat("/dev/sda", {st_mode=S_IFBLK|0660, st_rdev=makedev(0x8, 0), ...}) = 0 <0.000015>`,
		`execve("/bin/ls", ["ls", "-l"], 0x7ffdc48b2d98 /* 24 vars */) = 0 <0.000400>`,
		`connect(3<socket:[12345]>, {sa_family=AF_INET, sin_port=htons(80), sin_addr=inet_addr("1.2.3.4")}, 16) = 0 <0.000120>`,
		`wait4(-1, [{WIFEXITED(s) && WEXITSTATUS(s) == 0}], 0, NULL) = 9 <0.001200>`,
		`pselect6(5, [4], NULL, NULL, {tv_sec=1, tv_nsec=0} => {tv_sec=0, tv_nsec=340000}, NULL) = 1 <0.660000>`,
		`select(1, [0], NULL, NULL, {tv_sec=0, tv_usec=0}) = 0 (Timeout) <0.000008>`,
		`prctl(PR_GET_DUMPABLE) = 1 or SUID_DUMP_USER <0.000005>`,
		`write(2, "a\tb\nc\"d\\e\000f", 11) = 11 <0.000030>`,
		`getsockopt(3, SOL_SOCKET, SO_ERROR, [6 /* IPPROTO_TCP */], [4]) = 0 <0.000011>`,
		`ioctl(0, TIOCGWINSZ, {ws_row=50, ws_col=120, ws_xpixel=0, ws_ypixel=0}) = 0 <0.000013>`,
		`getpid() = 42 <0.000002>`,
		`--- SIGCHLD {si_signo=SIGCHLD, si_code=CLD_EXITED, si_pid=9, si_status=0, si_utime=0, si_stime=0} ---`,
		`--- SIGWINCH ---`,
		`--- stopped by SIGTSTP ---`,
		`+++ exited with 0 +++`,
		`+++ exited with 127 +++`,
		`+++ killed by SIGKILL +++`,
		`+++ killed by SIGSEGV (core dumped) +++`,
		`+++ detached +++`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			ev, err := ParseBody(body)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got := RenderEvent(ev)
			if got != body {
				t.Errorf("render mismatch:\n got: %s\nwant: %s", got, body)
			}
			again, err := ParseBody(got)
			if err != nil {
				t.Fatalf("reparse: %v", err)
			}
			if !reflect.DeepEqual(ev, again) {
				t.Errorf("reparse diverged:\n first: %#v\nsecond: %#v", ev, again)
			}
		})
	}
}

func TestParseSyscallShape(t *testing.T) {
	ev, err := ParseBody(`read(3</etc/hosts>, "127.0.0.1 local"..., 4096) = 15 <0.000050>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc, ok := ev.(SyscallEvent)
	if !ok {
		t.Fatalf("event type = %T, want SyscallEvent", ev)
	}
	if sc.Name != "read" {
		t.Errorf("name = %q", sc.Name)
	}
	if len(sc.Args) != 3 {
		t.Fatalf("args = %d, want 3", len(sc.Args))
	}
	fd, ok := sc.Args[0].Value.(FD)
	if !ok {
		t.Fatalf("arg 0 type = %T, want FD", sc.Args[0].Value)
	}
	if fd.Number != 3 || fd.Annotation != "/etc/hosts" || fd.Deleted {
		t.Errorf("fd = %+v", fd)
	}
	str, ok := sc.Args[1].Value.(Str)
	if !ok {
		t.Fatalf("arg 1 type = %T, want Str", sc.Args[1].Value)
	}
	if str.Value != "127.0.0.1 local" || !str.Truncated {
		t.Errorf("str = %+v", str)
	}
	ret, ok := sc.Ret.Value.(Int)
	if !ok || ret.Value != 15 {
		t.Errorf("ret = %+v", sc.Ret.Value)
	}
	if !sc.HasDuration || sc.Duration != 50*time.Microsecond {
		t.Errorf("duration = %v (has=%v)", sc.Duration, sc.HasDuration)
	}
}

func TestParseErrnoResult(t *testing.T) {
	ev, err := ParseBody(`openat(AT_FDCWD, "/missing", O_RDONLY) = -1 ENOENT (No such file or directory) <0.000034>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := ev.(SyscallEvent)
	ret, ok := sc.Ret.Value.(Int)
	if !ok || ret.Value != -1 {
		t.Errorf("ret value = %+v", sc.Ret.Value)
	}
	if sc.Ret.Errno != "ENOENT" {
		t.Errorf("errno = %q", sc.Ret.Errno)
	}
	if sc.Ret.Message != "No such file or directory" {
		t.Errorf("message = %q", sc.Ret.Message)
	}
}

func TestParseUnknownResult(t *testing.T) {
	ev, err := ParseBody(`exit_group(0) = ?`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := ev.(SyscallEvent)
	if sc.Ret.Value != nil {
		t.Errorf("ret value = %+v, want nil", sc.Ret.Value)
	}
	if sc.HasDuration {
		t.Errorf("unexpected duration")
	}
}

func TestParseSignalInfo(t *testing.T) {
	ev, err := ParseBody(`--- SIGCHLD {si_signo=SIGCHLD, si_code=CLD_EXITED, si_pid=9, si_status=0} ---`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sig, ok := ev.(SignalEvent)
	if !ok {
		t.Fatalf("event type = %T, want SignalEvent", ev)
	}
	if sig.Signal != "SIGCHLD" || sig.Stopped {
		t.Errorf("signal = %+v", sig)
	}
	pid, ok := sig.Info.Get("si_pid")
	if !ok {
		t.Fatalf("si_pid missing")
	}
	if n, ok := pid.(Int); !ok || n.Value != 9 {
		t.Errorf("si_pid = %+v", pid)
	}
	if code, _ := sig.Info.Get("si_code"); !reflect.DeepEqual(code, Symbol{Name: "CLD_EXITED"}) {
		t.Errorf("si_code = %+v", code)
	}
}

func TestParseGroupStop(t *testing.T) {
	ev, err := ParseBody(`--- stopped by SIGTSTP ---`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sig := ev.(SignalEvent)
	if !sig.Stopped || sig.Signal != "SIGTSTP" {
		t.Errorf("signal = %+v", sig)
	}
}

func TestParseExitEvents(t *testing.T) {
	tests := []struct {
		body string
		want Event
	}{
		{`+++ exited with 0 +++`, ExitedEvent{Code: 0}},
		{`+++ exited with 127 +++`, ExitedEvent{Code: 127}},
		{`+++ killed by SIGKILL +++`, KilledEvent{Signal: "SIGKILL"}},
		{`+++ killed by SIGSEGV (core dumped) +++`, KilledEvent{Signal: "SIGSEGV", CoreDumped: true}},
		{`+++ detached +++`, DetachedEvent{}},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			ev, err := ParseBody(tt.body)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(ev, tt.want) {
				t.Errorf("event = %#v, want %#v", ev, tt.want)
			}
		})
	}
}

func TestParseWaitStatusExpression(t *testing.T) {
	ev, err := ParseBody(`wait4(-1, [{WIFEXITED(s) && WEXITSTATUS(s) == 0}], 0, NULL) = 9 <0.001200>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := ev.(SyscallEvent)
	arr, ok := sc.Args[1].Value.(Array)
	if !ok || len(arr.Items) != 1 {
		t.Fatalf("status arg = %+v", sc.Args[1].Value)
	}
	sym, ok := arr.Items[0].(Symbol)
	if !ok {
		t.Fatalf("status type = %T, want Symbol", arr.Items[0])
	}
	if sym.Name != "{WIFEXITED(s) && WEXITSTATUS(s) == 0}" {
		t.Errorf("status = %q", sym.Name)
	}
}

func TestParseChangedArgument(t *testing.T) {
	ev, err := ParseBody(`pselect6(5, [4], NULL, NULL, {tv_sec=1, tv_nsec=0} => {tv_sec=0, tv_nsec=340000}, NULL) = 1 <0.660000>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := ev.(SyscallEvent)
	ch, ok := sc.Args[4].Value.(Changed)
	if !ok {
		t.Fatalf("timeout arg = %T, want Changed", sc.Args[4].Value)
	}
	from := ch.From.(Struct)
	if v, _ := from.Get("tv_sec"); !reflect.DeepEqual(v, Int{Value: 1, Base: 10}) {
		t.Errorf("from tv_sec = %+v", v)
	}
	to := ch.To.(Struct)
	if v, _ := to.Get("tv_nsec"); !reflect.DeepEqual(v, Int{Value: 340000, Base: 10}) {
		t.Errorf("to tv_nsec = %+v", v)
	}
}

func TestParseTruncatedStruct(t *testing.T) {
	ev, err := ParseBody(`fstat(3, {st_mode=S_IFREG|0644, st_size=1234, ...}) = 0 <0.000009>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := ev.(SyscallEvent)
	st, ok := sc.Args[1].Value.(Struct)
	if !ok {
		t.Fatalf("stat arg = %T, want Struct", sc.Args[1].Value)
	}
	if !st.Truncated {
		t.Errorf("struct not marked truncated")
	}
	if mode, _ := st.Get("st_mode"); !reflect.DeepEqual(mode, Flags{Parts: []string{"S_IFREG", "0644"}}) {
		t.Errorf("st_mode = %+v", mode)
	}
}

func TestParseStringEscapes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"plain"`, "plain"},
		{`"a\tb\nc"`, "a\tb\nc"},
		{`"\x7f\x00"`, "\x7f\x00"},
		{`"\0\1\777"`, "\x00\x01\xff"},
		{`"quote \" backslash \\"`, `quote " backslash \`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ev, err := ParseBody(`write(1, ` + tt.in + `, 1) = 1`)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			sc := ev.(SyscallEvent)
			str := sc.Args[1].Value.(Str)
			if str.Value != tt.want {
				t.Errorf("value = %q, want %q", str.Value, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing close paren", `close(3 = 0`},
		{"missing equals", `close(3)`},
		{"bad exit marker", `+++ vanished +++`},
		{"signal without name", `--- 123 ---`},
		{"unterminated string", `write(1, "abc, 3) = 3`},
		{"unterminated duration", `close(3) = 0 <0.0001`},
		{"trailing garbage", `close(3) = 0 junk`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBody(tt.body)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsParseFailure(err) {
				t.Errorf("IsParseFailure = false for %v", err)
			}
		})
	}
}

func TestParseLineCarriesFrame(t *testing.T) {
	fl := FramedLine{
		PID:  77,
		TID:  77,
		Time: time.Unix(1700000000, 250000000).UTC(),
		Body: `close(3) = 0 <0.000010>`,
		Raw:  `77 1700000000.250000 close(3) = 0 <0.000010>`,
		No:   12,
	}
	line, err := ParseLine(fl)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if line.PID != 77 || line.No != 12 || !line.Time.Equal(fl.Time) {
		t.Errorf("line = %+v", line)
	}
	if _, ok := line.Event.(SyscallEvent); !ok {
		t.Errorf("event type = %T", line.Event)
	}
}
