package config

import (
    "log"
    "os"

    "gopkg.in/yaml.v2"
)

type Config struct {
    Server struct {
        Port string `yaml:"port"`
    } `yaml:"server"`
    MySQL struct {
        DSN string `yaml:"dsn"`
    } `yaml:"mysql"`

    Redis struct {
        Addr     string `yaml:"addr"`
        Password string `yaml:"password"`
    } `yaml:"redis"`

    // QueueAPI 远端准入控制队列（enfileirar / status_requisicao / confirmar_execucao）
    QueueAPI struct {
        BaseURL string `yaml:"base_url"`
        UserID  string `yaml:"user_id"`
    } `yaml:"queue_api"`

    AI struct {
        ImageAPI    string `yaml:"image_api"`
        VideoAPI    string `yaml:"video_api"`
        TryOnAPI    string `yaml:"tryon_api"`
        VoiceAPI    string `yaml:"voice_api"`
        GeminiKey   string `yaml:"gemini_key"`
        GeminiModel string `yaml:"gemini_model"`
    } `yaml:"ai"`

    MinIO struct {
        Endpoint  string `yaml:"endpoint"`
        AccessKey string `yaml:"access_key"`
        SecretKey string `yaml:"secret_key"`
        Bucket    string `yaml:"bucket"`
        UseSSL    bool   `yaml:"use_ssl"`
        Domain    string `yaml:"domain"`
    } `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
    f, err := os.Open("config/config.yaml")
    if err != nil {
        log.Fatalf("配置文件读取失败: %v", err)
    }
    defer f.Close()
    decoder := yaml.NewDecoder(f)
    AppConfig = &Config{}
    if err := decoder.Decode(AppConfig); err != nil {
        log.Fatalf("配置文件解析失败: %v", err)
    }
    if AppConfig.AI.GeminiModel == "" {
        AppConfig.AI.GeminiModel = "gemini-2.5-flash"
    }
}
