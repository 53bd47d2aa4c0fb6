package session

import (
	"time"
)

// ProviderCredentials 电话服务商账号凭据
type ProviderCredentials struct {
	AccountID string
	Secret    string
}

// AgentCredentials 对话智能体平台凭据
type AgentCredentials struct {
	AgentID string
	APIKey  string
}

// Session 一通电话的关联记录，创建后不可修改
type Session struct {
	ID                  string
	Provider            ProviderCredentials
	SourceNumber        string
	Agent               AgentCredentials
	CallbackBaseAddress string
	CreatedAt           time.Time
}

// Record 创建会话时调用方提供的字段
type Record struct {
	Provider            ProviderCredentials
	SourceNumber        string
	Agent               AgentCredentials
	CallbackBaseAddress string
}
