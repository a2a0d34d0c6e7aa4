package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditEventType names one kind of operator-relevant event.
type AuditEventType string

const (
	AuditBatchStart     AuditEventType = "batch_start"
	AuditBatchComplete  AuditEventType = "batch_complete"
	AuditWorkflowStart  AuditEventType = "workflow_start"
	AuditWorkflowFinish AuditEventType = "workflow_finish"
	AuditReauth         AuditEventType = "reauth"
	AuditHotSwap        AuditEventType = "hot_swap"
	AuditHotSwapFailed  AuditEventType = "hot_swap_failed"
	AuditCommand        AuditEventType = "command"
	AuditSessionAcquire AuditEventType = "session_acquire"
	AuditSessionRelease AuditEventType = "session_release"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type       AuditEventType
	BatchNo    int
	WorkflowID string
	UnitID     int
	Target     string
	Success    bool
	Message    string
	Duration   time.Duration
	Fields     map[string]interface{}
}

var (
	auditMu     sync.Mutex
	auditLogger *zap.Logger
	auditFile   *os.File
)

func auditSink() *zap.Logger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger != nil {
		return auditLogger
	}
	if !IsDebugMode() {
		return nil
	}
	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
		return nil
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_audit.jsonl", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open audit log %s: %v\n", path, err)
		return nil
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	auditFile = f
	auditLogger = zap.New(core)
	return auditLogger
}

// Audit appends an event to the audit trail. It is a no-op outside debug mode.
func Audit(ev AuditEvent) {
	l := auditSink()
	if l == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Bool("success", ev.Success),
	}
	if ev.BatchNo != 0 {
		fields = append(fields, zap.Int("batch", ev.BatchNo))
	}
	if ev.WorkflowID != "" {
		fields = append(fields, zap.String("workflow", ev.WorkflowID))
	}
	if ev.UnitID != 0 {
		fields = append(fields, zap.Int("unit", ev.UnitID))
	}
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.Duration.Milliseconds()))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	l.Info(ev.Message, fields...)
}

// CloseAudit flushes and closes the audit trail.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger != nil {
		_ = auditLogger.Sync()
		auditLogger = nil
	}
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
}
